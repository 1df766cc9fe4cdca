/*
Package ouroboros is a distributed version control engine. A Repository
holds an append-only, content-addressed history of changesets in revlogs
and exchanges it with peers: discovery finds what one side lacks, bundles
carry the missing revisions, and every write runs inside a transaction
under the repository lock.
*/
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/keyValStore"
	"github.com/i5heu/ouroboros-vcs/internal/lock"
	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/internal/store"
	"github.com/i5heu/ouroboros-vcs/internal/transaction"
	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
	workerpool "github.com/i5heu/ouroboros-vcs/pkg/workerPool"
)

const (
	// MetaDir is the repository metadata directory below the root.
	MetaDir = ".ouro"
	// StoreDir holds revlogs, the journal and the lock inside MetaDir.
	StoreDir = "store"
	// KVDir holds the key/value store inside StoreDir.
	KVDir = "kv"
)

var (
	ErrClosed        = errors.New("ouroboros: repository closed")
	ErrNotRepository = errors.New("ouroboros: not a repository")
	ErrExists        = errors.New("ouroboros: repository already exists")
)

// Repository is an open repository. Reads may run concurrently; mutating
// operations serialize on the lock file.
type Repository struct {
	root   string
	log    *logrus.Logger
	config Config

	engine    revlog.Engine
	newPhase  phases.Phase
	bundleFmt bundle.Compression

	store  *store.Store
	txm    *transaction.Manager
	kv     *keyValStore.KeyValStore
	phases *phases.Store
	pool   *workerpool.WorkerPool

	closed    atomic.Bool
	closeOnce sync.Once
}

// Init creates a repository at root and opens it. The directory may exist
// but must not already contain a repository.
func Init(ctx context.Context, root string, conf Config) (*Repository, error) {
	meta := filepath.Join(root, MetaDir)
	if _, err := os.Stat(meta); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, root)
	}
	eff := conf
	eff.applyDefaults()
	if _, _, _, err := eff.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(meta, StoreDir), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", meta, err)
	}
	if err := WriteConfig(filepath.Join(meta, ConfigName), eff); err != nil {
		return nil, err
	}
	return open(ctx, root, conf, false)
}

// Open opens the repository at root. A transaction interrupted by a crash
// is rolled back first.
func Open(ctx context.Context, root string, conf Config) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(root, MetaDir, StoreDir)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
	}
	return open(ctx, root, conf, true)
}

func open(ctx context.Context, root string, conf Config, readFile bool) (*Repository, error) {
	meta := filepath.Join(root, MetaDir)
	if readFile {
		if _, err := os.Stat(filepath.Join(meta, ConfigName)); err == nil {
			loaded, err := LoadConfig(filepath.Join(meta, ConfigName), conf)
			if err != nil {
				return nil, err
			}
			conf = loaded
		}
	}
	conf.applyDefaults()
	engine, newPhase, bundleFmt, err := conf.validate()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	st, err := store.New(filepath.Join(meta, StoreDir))
	if err != nil {
		return nil, err
	}
	r := &Repository{
		root:      root,
		log:       conf.Logger,
		config:    conf,
		engine:    engine,
		newPhase:  newPhase,
		bundleFmt: bundleFmt,
		store:     st,
		txm:       transaction.NewManager(st.Dir(), conf.Logger),
	}

	kvDir := filepath.Join(st.Dir(), KVDir)
	if err := os.MkdirAll(kvDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", kvDir, err)
	}
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{kvDir},
		MinimumFreeSpace: conf.MinimumFreeMB,
		Logger:           conf.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.kv = kv
	r.phases = phases.NewStore(kv)

	if err := r.recover(ctx); err != nil {
		return nil, errors.Join(err, kv.Close())
	}

	cl, err := st.Changelog()
	if err != nil {
		return nil, errors.Join(err, kv.Close())
	}
	r.pool = workerpool.NewWorkerPool(workerpool.Config{})
	r.log.WithFields(logrus.Fields{"root": root, "changesets": cl.Len()}).Debug("repository opened")
	return r, nil
}

// recover replays a leftover journal while holding the lock, so a live
// writer's journal is never mistaken for a crashed one.
func (r *Repository) recover(ctx context.Context) error {
	l, err := lock.Acquire(ctx, r.store.LockPath(), r.config.lockPolicy(), r.log)
	if err != nil {
		return err
	}
	return errors.Join(r.recoverLocked(), l.Release())
}

// recoverLocked undoes an interrupted transaction on both sides: key/value
// writes first, then the revlog appends, whose journal marks the
// transaction as unfinished. Without a journal any undo image belongs to a
// finished transaction and is dropped.
func (r *Repository) recoverLocked() error {
	if !r.txm.Pending() {
		return r.kv.DropUndo()
	}
	keys, err := r.kv.RestoreUndo()
	if err != nil {
		return err
	}
	if _, err := r.txm.Recover(); err != nil {
		return err
	}
	r.log.WithField("keys", keys).Warn("restored key/value state of interrupted transaction")
	return r.store.Reload()
}

// Root returns the directory the repository was opened at.
func (r *Repository) Root() string {
	return r.root
}

// Config returns the effective configuration.
func (r *Repository) Config() Config {
	return r.config
}

// Close releases the key/value store. Closing twice is a no-op.
func (r *Repository) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.pool != nil {
			r.pool.Close()
		}
		if r.kv != nil {
			err = r.kv.Close()
		}
	})
	return err
}

func (r *Repository) checkOpen() error {
	if r.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (r *Repository) changelog() (*revlog.Revlog, error) {
	return r.store.Changelog()
}

func (r *Repository) manifest() (*revlog.Revlog, error) {
	return r.store.Manifest()
}

// locked runs fn while holding the repository lock.
func (r *Repository) locked(ctx context.Context, op string, fn func() error) (err error) {
	if err := r.checkOpen(); err != nil {
		return err
	}
	l, err := lock.Acquire(ctx, r.store.LockPath(), r.config.lockPolicy(), r.log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if relErr := l.Release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return fn()
}

// repoTx is one mutating operation: revlog appends journalled by Tx and
// phase or bookmark writes staged in kv. Both become visible together.
type repoTx struct {
	*transaction.Tx
	kv     *keyValStore.Txn
	phases *phases.Store
}

// transact runs fn inside a transaction under the lock. An error, or a
// context cancelled before the commit, discards the staged key/value
// writes, rolls every tracked file back and rereads the open revlogs.
func (r *Repository) transact(ctx context.Context, op string, fn func(tx *repoTx) error) error {
	if err := keyValStore.CheckFreeSpace(r.store.Dir(), r.config.MinimumFreeMB); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return r.locked(ctx, op, func() error {
		if !r.txm.Pending() {
			if err := r.kv.DropUndo(); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		tx, err := r.txm.Begin()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		kvTx := r.kv.NewTxn()
		defer kvTx.Discard()
		rtx := &repoTx{Tx: tx, kv: kvTx, phases: phases.NewStore(kvTx)}
		log := r.log.WithFields(logrus.Fields{"op": op, "tx": tx.ID()})

		err = fn(rtx)
		if err == nil {
			err = cancelled(ctx, op)
		}
		if err == nil && kvTx.Changed() {
			// published before the journal goes away; a crash in between
			// is undone by recoverLocked
			err = kvTx.Commit()
		}
		if err != nil {
			rbErr := tx.Rollback()
			reloadErr := r.store.Reload()
			if rbErr != nil || reloadErr != nil {
				log.WithError(errors.Join(rbErr, reloadErr)).Error("rollback incomplete")
				return errors.Join(err, rbErr, reloadErr)
			}
			log.WithError(err).Debug("rolled back")
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if kvTx.Changed() {
			if err := r.kv.DropUndo(); err != nil {
				log.WithError(err).Warn("undo image kept until the next transaction")
			}
		}
		return nil
	})
}

// writers hands out one revlog writer per revlog for a transaction and
// closes them together.
type writers struct {
	r       *Repository
	tx      *transaction.Tx
	open    map[string]*revlog.Writer
	ordered []*revlog.Writer
}

func (r *Repository) newWriters(tx *transaction.Tx) *writers {
	return &writers{r: r, tx: tx, open: make(map[string]*revlog.Writer)}
}

func (w *writers) get(rl *revlog.Revlog, links revlog.LinkResolver) *revlog.Writer {
	if wr, ok := w.open[rl.Path()]; ok {
		return wr
	}
	wr := revlog.NewWriter(rl, w.tx, links, w.r.config.writerConfig(w.r.engine))
	w.open[rl.Path()] = wr
	w.ordered = append(w.ordered, wr)
	return wr
}

// changelogLinks resolves link nodes against cl, rejecting the null node.
func changelogLinks(cl *revlog.Revlog) revlog.LinkResolver {
	return func(n revision.Node) (int, bool) {
		rev, ok := cl.Rev(n)
		return rev, ok && rev >= 0
	}
}

func (w *writers) close() error {
	var errs []error
	for _, wr := range w.ordered {
		errs = append(errs, wr.Close())
	}
	return errors.Join(errs...)
}

func cancelled(ctx context.Context, op string) error {
	return failure.Cancelled(op, ctx.Err())
}
