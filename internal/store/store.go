// Package store maps logical revlogs (changelog, manifest, tracked files)
// to files under the repository's store directory and keeps the open
// revlogs in a shared registry.
package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cmap "github.com/orcaman/concurrent-map"

	"github.com/i5heu/ouroboros-vcs/internal/revlog"
)

const (
	ChangelogName = "00changelog.i"
	ManifestName  = "00manifest.i"
	DataDir       = "data"
	LockName      = "lock"
	indexSuffix   = ".i"
)

// Store is the store directory of one repository.
type Store struct {
	dir     string
	revlogs cmap.ConcurrentMap
}

// New prepares dir (creating it and its data directory if needed).
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, DataDir), 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", dir, err)
	}
	return &Store{dir: dir, revlogs: cmap.New()}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) ChangelogPath() string {
	return filepath.Join(s.dir, ChangelogName)
}

func (s *Store) ManifestPath() string {
	return filepath.Join(s.dir, ManifestName)
}

func (s *Store) LockPath() string {
	return filepath.Join(s.dir, LockName)
}

// FilePath is the revlog path of a tracked file.
func (s *Store) FilePath(path string) string {
	return filepath.Join(s.dir, DataDir, EncodePath(path)+indexSuffix)
}

func (s *Store) Changelog() (*revlog.Revlog, error) {
	return s.open(s.ChangelogPath())
}

func (s *Store) Manifest() (*revlog.Revlog, error) {
	return s.open(s.ManifestPath())
}

// File returns the revlog of a tracked file; it is empty when the file has
// no history yet.
func (s *Store) File(path string) (*revlog.Revlog, error) {
	return s.open(s.FilePath(path))
}

func (s *Store) open(p string) (*revlog.Revlog, error) {
	if v, ok := s.revlogs.Get(p); ok {
		return v.(*revlog.Revlog), nil
	}
	rl, err := revlog.Open(p)
	if err != nil {
		return nil, err
	}
	if !s.revlogs.SetIfAbsent(p, rl) {
		v, _ := s.revlogs.Get(p)
		return v.(*revlog.Revlog), nil
	}
	return rl, nil
}

// Reload rereads every open revlog, for example after a rollback truncated
// their files.
func (s *Store) Reload() error {
	for item := range s.revlogs.IterBuffered() {
		if err := item.Val.(*revlog.Revlog).Reload(); err != nil {
			return err
		}
	}
	return nil
}

// Files lists the tracked file paths that have a revlog, sorted.
func (s *Store) Files() ([]string, error) {
	root := filepath.Join(s.dir, DataDir)
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, indexSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name, err := DecodePath(filepath.ToSlash(strings.TrimSuffix(rel, indexSuffix)))
		if err != nil {
			return err
		}
		out = append(out, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list store files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
