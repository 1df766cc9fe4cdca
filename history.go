package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/changelog"
	"github.com/i5heu/ouroboros-vcs/internal/dag"
	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
	workerpool "github.com/i5heu/ouroboros-vcs/pkg/workerPool"
)

// LogEntry is one changeset as returned by Log.
type LogEntry struct {
	Rev         int
	Node        revision.Node
	Parents     []revision.Node
	Phase       phases.Phase
	User        string
	Time        time.Time
	Files       []string
	Description string
	Manifest    revision.Node
}

// Heads returns every head of the changelog, newest first, secret ones
// included.
func (r *Repository) Heads() ([]revision.Node, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	cl, err := r.changelog()
	if err != nil {
		return nil, err
	}
	return newestFirst(cl, dag.Heads(cl, dag.All(cl)).ToArray()), nil
}

// visibleHeads returns the heads peers see, newest first.
func (r *Repository) visibleHeads() ([]revision.Node, error) {
	cl, err := r.changelog()
	if err != nil {
		return nil, err
	}
	visible, _, err := r.visible(cl)
	if err != nil {
		return nil, err
	}
	return newestFirst(cl, dag.Heads(cl, visible).ToArray()), nil
}

func newestFirst(cl *revlog.Revlog, revs []uint32) []revision.Node {
	out := make([]revision.Node, 0, len(revs))
	for i := len(revs) - 1; i >= 0; i-- {
		out = append(out, cl.Node(int(revs[i])))
	}
	return out
}

// Tip returns the most recently added changeset, or the null node.
func (r *Repository) Tip() (revision.Node, error) {
	cl, err := r.changelog()
	if err != nil {
		return revision.Null, err
	}
	return cl.Node(cl.Len() - 1), nil
}

// Lookup resolves a full hex node or an unambiguous hex prefix of at least
// four characters.
func (r *Repository) Lookup(id string) (revision.Node, error) {
	cl, err := r.changelog()
	if err != nil {
		return revision.Null, err
	}
	if n, err := revision.Parse(id); err == nil {
		if !cl.Has(n) {
			return revision.Null, failure.InvalidArgument("lookup", "unknown revision %s", id)
		}
		return n, nil
	}
	if len(id) < 4 {
		return revision.Null, failure.InvalidArgument("lookup", "revision prefix %q too short", id)
	}
	var found []revision.Node
	for rev := 0; rev < cl.Len(); rev++ {
		n := cl.Node(rev)
		if len(n.String()) >= len(id) && n.String()[:len(id)] == id {
			found = append(found, n)
		}
	}
	switch len(found) {
	case 0:
		return revision.Null, failure.InvalidArgument("lookup", "unknown revision %s", id)
	case 1:
		return found[0], nil
	}
	return revision.Null, failure.InvalidArgument("lookup", "ambiguous revision prefix %s", id)
}

// Log returns changesets newest first. limit <= 0 returns all.
func (r *Repository) Log(limit int) ([]LogEntry, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	cl, err := r.changelog()
	if err != nil {
		return nil, err
	}
	roots, err := r.phases.Load()
	if err != nil {
		return nil, err
	}
	phase := roots.Compute(cl)
	var out []LogEntry
	for rev := cl.Len() - 1; rev >= 0; rev-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		n := cl.Node(rev)
		cs, err := readChangeset(cl, n)
		if err != nil {
			return nil, err
		}
		p1, p2 := cl.Parents(n)
		var parents []revision.Node
		for _, p := range []revision.Node{p1, p2} {
			if !p.IsNull() {
				parents = append(parents, p)
			}
		}
		out = append(out, LogEntry{
			Rev:         rev,
			Node:        n,
			Parents:     parents,
			Phase:       phase[rev],
			User:        cs.User,
			Time:        cs.Time,
			Files:       cs.Files,
			Description: cs.Description,
			Manifest:    cs.Manifest,
		})
	}
	return out, nil
}

// Manifest returns the file list of changeset n.
func (r *Repository) Manifest(n revision.Node) (changelog.Manifest, error) {
	cl, err := r.changelog()
	if err != nil {
		return nil, err
	}
	if !cl.Has(n) {
		return nil, failure.InvalidArgument("manifest", "unknown revision %s", n.Short())
	}
	mf, err := r.manifest()
	if err != nil {
		return nil, err
	}
	return r.manifestAt(cl, mf, n)
}

// Cat returns the content of path as of changeset n.
func (r *Repository) Cat(n revision.Node, path string) ([]byte, error) {
	m, err := r.Manifest(n)
	if err != nil {
		return nil, err
	}
	fnode, ok := m[path]
	if !ok {
		return nil, failure.InvalidArgument("cat", "%s not in %s", path, n.Short())
	}
	fl, err := r.store.File(path)
	if err != nil {
		return nil, err
	}
	return fl.ContentOf(fnode)
}

// VerifyReport counts what Verify checked.
type VerifyReport struct {
	Changesets int
	Manifests  int
	Files      int
	Revisions  int
}

// Verify rebuilds every revision of every revlog, checks digests, parent
// order and link revisions, and that every manifest and file revision a
// changeset names exists. File revlogs are checked on the worker pool.
func (r *Repository) Verify(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	if err := r.checkOpen(); err != nil {
		return rep, err
	}
	cl, err := r.changelog()
	if err != nil {
		return rep, err
	}
	mf, err := r.manifest()
	if err != nil {
		return rep, err
	}
	if err := cl.Verify(func(rev, link int) bool { return rev == link }); err != nil {
		return rep, err
	}
	clLen := cl.Len()
	linkOK := func(_, link int) bool { return link >= 0 && link < clLen }
	if err := mf.Verify(linkOK); err != nil {
		return rep, err
	}
	rep.Changesets, rep.Manifests = cl.Len(), mf.Len()
	rep.Revisions = cl.Len() + mf.Len()

	paths, err := r.store.Files()
	if err != nil {
		return rep, err
	}
	var files, revs atomic.Int64
	room := r.pool.CreateRoom(ctx)
	for _, path := range paths {
		path := path
		room.NewTaskWaitForFreeSlot(func(context.Context) error {
			fl, err := r.store.File(path)
			if err != nil {
				return err
			}
			if err := fl.Verify(linkOK); err != nil {
				return err
			}
			files.Add(1)
			revs.Add(int64(fl.Len()))
			return nil
		})
	}
	if err := room.Wait(); err != nil {
		if ctxErr := cancelled(ctx, "verify"); ctxErr != nil {
			return rep, ctxErr
		}
		if errors.Is(err, workerpool.ErrClosed) {
			return rep, ErrClosed
		}
		return rep, err
	}
	rep.Files = int(files.Load())
	rep.Revisions += int(revs.Load())

	for rev := 0; rev < cl.Len(); rev++ {
		if err := cancelled(ctx, "verify"); err != nil {
			return rep, err
		}
		n := cl.Node(rev)
		cs, err := readChangeset(cl, n)
		if err != nil {
			return rep, err
		}
		if !cs.Manifest.IsNull() && !mf.Has(cs.Manifest) {
			return rep, failure.Integrity("verify", n, "manifest %s missing", cs.Manifest.Short())
		}
		m, err := r.manifestAt(cl, mf, n)
		if err != nil {
			return rep, err
		}
		for _, path := range cs.Files {
			fnode, ok := m[path]
			if !ok {
				continue // removed
			}
			fl, err := r.store.File(path)
			if err != nil {
				return rep, err
			}
			if !fl.Has(fnode) {
				return rep, failure.Integrity("verify", n, "file %s revision %s missing", path, fnode.Short())
			}
		}
	}
	r.log.WithFields(logrus.Fields{
		"changesets": rep.Changesets,
		"files":      rep.Files,
		"revisions":  rep.Revisions,
	}).Info("repository verified")
	return rep, nil
}

// Phase returns the phase of changeset n.
func (r *Repository) Phase(n revision.Node) (phases.Phase, error) {
	cl, err := r.changelog()
	if err != nil {
		return phases.Public, err
	}
	if !cl.Has(n) {
		return phases.Public, failure.InvalidArgument("phase", "unknown revision %s", n.Short())
	}
	roots, err := r.phases.Load()
	if err != nil {
		return phases.Public, err
	}
	return roots.PhaseOf(cl, n), nil
}

// SetPhase moves nodes to target. Without force, phases only move toward
// public; with force, nodes may also be moved back to draft or secret.
func (r *Repository) SetPhase(ctx context.Context, target phases.Phase, nodes []revision.Node, force bool) error {
	return r.locked(ctx, "phase", func() error {
		cl, err := r.changelog()
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if !cl.Has(n) || n.IsNull() {
				return failure.InvalidArgument("phase", "unknown revision %s", n.Short())
			}
		}
		roots, err := r.phases.Load()
		if err != nil {
			return err
		}
		next := roots.Advance(cl, target, nodes)
		if force {
			next = next.RetractBoundary(cl, target, nodes)
		} else {
			for _, n := range nodes {
				if p := next.PhaseOf(cl, n); p < target {
					return failure.InvalidArgument("phase", "cannot move %s from %s to %s without force", n.Short(), p, target)
				}
			}
		}
		if next.Equal(roots) {
			return nil
		}
		r.log.WithFields(logrus.Fields{"phase": target, "nodes": len(nodes)}).Info("phases moved")
		return r.phases.Save(next)
	})
}

// Files lists every path with history, sorted.
func (r *Repository) Files() ([]string, error) {
	return r.store.Files()
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%d:%s", e.Rev, e.Node.Short())
}
