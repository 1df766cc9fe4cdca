// Package transaction groups the file appends of one mutating repository
// operation so they can be undone together.
//
// Before a file is first written, its length (or absence) is recorded in a
// journal on disk. Commit drops the journal; Rollback truncates every
// tracked file back to its recorded length and removes files that did not
// exist. A journal left behind by a crashed process is replayed by Recover.
package transaction

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// JournalName is the journal file inside the store directory.
const JournalName = "journal"

var (
	// ErrNested is returned when a transaction is started while another is
	// open. It signals a programming error.
	ErrNested = errors.New("transaction: another transaction is already open")
	// ErrFinished is returned for operations on a committed or rolled
	// back transaction.
	ErrFinished = errors.New("transaction: already finished")
)

// absent marks a file that did not exist when it was first tracked.
const absent = -1

type record struct {
	path   string
	length int64
}

// Manager hands out at most one open transaction for a store directory.
type Manager struct {
	dir string
	log *logrus.Logger

	mu   sync.Mutex
	open *Tx
}

func NewManager(dir string, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{dir: dir, log: log}
}

func (m *Manager) journalPath() string {
	return filepath.Join(m.dir, JournalName)
}

// Begin opens a transaction and tracks files right away.
func (m *Manager) Begin(files ...string) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open != nil {
		return nil, ErrNested
	}
	if _, err := os.Stat(m.journalPath()); err == nil {
		return nil, fmt.Errorf("transaction: stale journal at %s, run recovery first", m.journalPath())
	}
	j, err := os.OpenFile(m.journalPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	tx := &Tx{
		id:      uuid.New(),
		m:       m,
		journal: j,
		tracked: make(map[string]bool),
	}
	m.open = tx
	for _, f := range files {
		if err := tx.Track(f); err != nil {
			return nil, errors.Join(err, tx.rollbackLocked())
		}
	}
	m.log.WithField("tx", tx.id.String()).Debug("transaction opened")
	return tx, nil
}

// Pending reports whether a journal exists on disk, either from the open
// transaction or from an interrupted process.
func (m *Manager) Pending() bool {
	_, err := os.Stat(m.journalPath())
	return err == nil
}

// Recover rolls back a journal left by an interrupted process. It reports
// whether anything was recovered.
func (m *Manager) Recover() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open != nil {
		return false, ErrNested
	}
	data, err := os.ReadFile(m.journalPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read journal: %w", err)
	}
	records, err := parseJournal(data)
	if err != nil {
		return false, err
	}
	if err := restore(records); err != nil {
		return false, err
	}
	if err := os.Remove(m.journalPath()); err != nil {
		return false, fmt.Errorf("remove journal: %w", err)
	}
	m.log.WithField("files", len(records)).Warn("rolled back interrupted transaction")
	return true, nil
}

// Tx is one open transaction.
type Tx struct {
	id      uuid.UUID
	m       *Manager
	journal *os.File
	records []record
	tracked map[string]bool
	done    bool
}

func (tx *Tx) ID() string {
	return tx.id.String()
}

// Track records path's current length before it is modified. Tracking a
// file twice keeps the first record.
func (tx *Tx) Track(path string) error {
	if tx.done {
		return ErrFinished
	}
	if tx.tracked[path] {
		return nil
	}
	length := int64(absent)
	info, err := os.Stat(path)
	switch {
	case err == nil:
		length = info.Size()
	case !os.IsNotExist(err):
		return fmt.Errorf("stat %s: %w", path, err)
	}
	line := fmt.Sprintf("%s\x00%d\n", path, length)
	if _, err := tx.journal.WriteString(line); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tx.journal.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	tx.records = append(tx.records, record{path: path, length: length})
	tx.tracked[path] = true
	return nil
}

// Files returns the tracked paths in tracking order.
func (tx *Tx) Files() []string {
	out := make([]string, 0, len(tx.records))
	for _, r := range tx.records {
		out = append(out, r.path)
	}
	return out
}

// Commit ends the transaction keeping every write.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrFinished
	}
	err := tx.finish()
	tx.m.log.WithFields(logrus.Fields{"tx": tx.ID(), "files": len(tx.records)}).Debug("transaction committed")
	return err
}

// Rollback restores every tracked file and ends the transaction.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrFinished
	}
	var result error
	if err := restore(tx.records); err != nil {
		result = multierror.Append(result, err)
	}
	if err := tx.finish(); err != nil {
		result = multierror.Append(result, err)
	}
	tx.m.log.WithFields(logrus.Fields{"tx": tx.ID(), "files": len(tx.records)}).Info("transaction rolled back")
	return result
}

// rollbackLocked is Rollback for callers already holding the manager lock.
func (tx *Tx) rollbackLocked() error {
	var result error
	if err := restore(tx.records); err != nil {
		result = multierror.Append(result, err)
	}
	if err := tx.finishLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (tx *Tx) finish() error {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	return tx.finishLocked()
}

func (tx *Tx) finishLocked() error {
	tx.done = true
	if tx.m.open == tx {
		tx.m.open = nil
	}

	var result error
	if err := tx.journal.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close journal: %w", err))
	}
	if err := os.Remove(tx.m.journalPath()); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, fmt.Errorf("remove journal: %w", err))
	}
	return result
}

// restore truncates or removes files in reverse tracking order.
func restore(records []record) error {
	var result error
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.length == absent {
			if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
				result = multierror.Append(result, fmt.Errorf("remove %s: %w", r.path, err))
			}
			continue
		}
		if err := os.Truncate(r.path, r.length); err != nil {
			result = multierror.Append(result, fmt.Errorf("truncate %s to %d: %w", r.path, r.length, err))
		}
	}
	return result
}

func parseJournal(data []byte) ([]record, error) {
	var records []record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		i := bytes.IndexByte(line, 0)
		if i < 0 {
			// a torn last line means its file was never written
			continue
		}
		n, err := strconv.ParseInt(string(line[i+1:]), 10, 64)
		if err != nil {
			continue
		}
		records = append(records, record{path: string(line[:i]), length: n})
	}
	return records, sc.Err()
}
