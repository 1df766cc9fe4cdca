package ouroboros

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/dag"
	"github.com/i5heu/ouroboros-vcs/internal/discovery"
	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// PullResult describes a finished pull.
type PullResult struct {
	Discovery discovery.Result
	Applied   ApplyResult
	Bookmarks []string
}

// PushOptions tunes Push.
type PushOptions struct {
	// Force pushes even when the peer has changesets this repository
	// lacks, creating new heads there.
	Force bool
}

// PushResult describes a finished push.
type PushResult struct {
	Discovery discovery.Result
	// Pushed lists the changesets sent, oldest first.
	Pushed    []revision.Node
	Bookmarks []string
}

func (r *Repository) comparator(cl *revlog.Revlog, remote peer.Remote, roots phases.Roots) *discovery.Comparator {
	return discovery.NewComparator(cl, remote, discovery.Config{
		BatchSize: r.config.BatchSize,
		Secret:    roots.SecretSet(cl),
		Logger:    r.log,
	})
}

func (r *Repository) synchronizer(remote peer.Remote) *phases.Synchronizer {
	return &phases.Synchronizer{Remote: remote, Log: r.log}
}

// Incoming reports what the peer has that this repository lacks.
func (r *Repository) Incoming(ctx context.Context, remote peer.Remote) (discovery.Result, error) {
	if err := r.checkOpen(); err != nil {
		return discovery.Result{}, err
	}
	cl, err := r.changelog()
	if err != nil {
		return discovery.Result{}, err
	}
	roots, err := r.phases.Load()
	if err != nil {
		return discovery.Result{}, err
	}
	return r.comparator(cl, remote, roots).Discover(ctx)
}

// Outgoing reports the changesets a push to the peer would send.
func (r *Repository) Outgoing(ctx context.Context, remote peer.Remote) (revision.Set, error) {
	res, err := r.Incoming(ctx, remote)
	if err != nil {
		return revision.Set{}, err
	}
	cl, err := r.changelog()
	if err != nil {
		return revision.Set{}, err
	}
	roots, err := r.phases.Load()
	if err != nil {
		return revision.Set{}, err
	}
	return discovery.Outgoing(cl, res.Common, roots.SecretSet(cl)), nil
}

// Pull fetches every changeset the peer has and this repository lacks,
// then brings phases and bookmarks in line. Discovery, transfer and the
// phase and bookmark updates happen under the lock in one transaction, so
// a failure at any step leaves revlogs, phases and bookmarks untouched.
func (r *Repository) Pull(ctx context.Context, remote peer.Remote) (PullResult, error) {
	var out PullResult
	err := r.transact(ctx, "pull", func(tx *repoTx) error {
		cl, err := r.changelog()
		if err != nil {
			return err
		}
		roots, err := tx.phases.Load()
		if err != nil {
			return err
		}
		res, err := r.comparator(cl, remote, roots).Discover(ctx)
		if err != nil {
			return err
		}
		out.Discovery = res

		if !res.Missing.IsEmpty() {
			rc, err := remote.Changegroup(ctx, res.MissingRoots.Nodes())
			if err != nil {
				return failure.Connectivity("pull.changegroup", err)
			}
			applied, err := r.applyTx(ctx, tx, rc, phases.Draft)
			if closeErr := rc.Close(); err == nil && closeErr != nil {
				err = failure.Connectivity("pull.changegroup", closeErr)
			}
			if err != nil {
				return err
			}
			out.Applied = applied
			for _, h := range res.RemoteHeads.Nodes() {
				if !cl.Has(h) {
					return failure.Protocol("pull", "changegroup lacks remote head %s", h.Short())
				}
			}
		}

		if err := r.pullPhases(ctx, tx, cl, remote, res.RemoteHeads); err != nil {
			return err
		}
		marks, err := r.pullBookmarks(ctx, tx.kv, remote)
		if err != nil {
			return err
		}
		out.Bookmarks = marks
		return nil
	})
	if err != nil {
		return PullResult{}, err
	}
	r.log.WithFields(logrus.Fields{
		"changesets":  len(out.Applied.Changesets),
		"round trips": out.Discovery.RoundTrips,
	}).Info("pull finished")
	return out, nil
}

// ancestorsOf returns nodes and all their ancestors known locally, minus
// secret changesets.
func ancestorsOf(cl *revlog.Revlog, nodes []revision.Node, secret revision.Set) revision.Set {
	revs := roaring.New()
	for _, n := range nodes {
		if rev, ok := cl.Rev(n); ok && rev >= 0 {
			revs.Add(uint32(rev))
		}
	}
	anc := dag.Ancestors(cl, revs)
	out := make([]revision.Node, 0, anc.GetCardinality())
	for _, rev := range dag.Revs(anc) {
		out = append(out, cl.Node(rev))
	}
	return revision.NewSet(out...).Subtract(secret)
}

func (r *Repository) pullPhases(ctx context.Context, tx *repoTx, cl *revlog.Revlog, remote peer.Remote, remoteHeads revision.Set) error {
	sync := r.synchronizer(remote)
	view, err := sync.View(ctx)
	if err != nil {
		return err
	}
	roots, err := tx.phases.Load()
	if err != nil {
		return err
	}
	exchanged := ancestorsOf(cl, remoteHeads.Nodes(), roots.SecretSet(cl))
	next := sync.Pull(cl, roots, view, exchanged)
	if next.Equal(roots) {
		return nil
	}
	return tx.phases.Save(next)
}

// Push sends the changesets the peer lacks, then publishes on the peer what
// is public here and adopts what is public there. Secret changesets never
// leave the repository.
func (r *Repository) Push(ctx context.Context, remote peer.Remote, opts PushOptions) (PushResult, error) {
	var out PushResult
	err := r.locked(ctx, "push", func() error {
		cl, err := r.changelog()
		if err != nil {
			return err
		}
		roots, err := r.phases.Load()
		if err != nil {
			return err
		}
		secret := roots.SecretSet(cl)
		res, err := r.comparator(cl, remote, roots).Discover(ctx)
		if err != nil {
			return err
		}
		out.Discovery = res
		if !res.Missing.IsEmpty() && !opts.Force {
			return failure.InvalidArgument("push", "peer has %d changesets not present here, pull first", res.Missing.Len())
		}

		outgoing := discovery.Outgoing(cl, res.Common, secret)
		if !outgoing.IsEmpty() {
			revs, err := r.revsOf(cl, "push", outgoing.Nodes())
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if _, err := r.writeChangegroup(ctx, &buf, bundle.None, cl, revs); err != nil {
				return err
			}
			if err := remote.Unbundle(ctx, &buf, res.RemoteHeads.Nodes()); err != nil {
				if errors.Is(err, peer.ErrRemoteChanged) {
					return fmt.Errorf("push: %w", err)
				}
				return failure.Connectivity("push.unbundle", err)
			}
			for _, rev := range dag.Revs(revs) {
				out.Pushed = append(out.Pushed, cl.Node(rev))
			}
		}

		shared := ancestorsOf(cl, append(res.Common.Nodes(), outgoing.Nodes()...), secret)
		next, err := r.synchronizer(remote).Push(ctx, cl, roots, shared)
		if err != nil {
			return err
		}
		if !next.Equal(roots) {
			if err := r.phases.Save(next); err != nil {
				return err
			}
		}
		marks, err := r.pushBookmarks(ctx, remote, shared.Contains)
		if err != nil {
			return err
		}
		out.Bookmarks = marks
		return nil
	})
	if err != nil {
		return PushResult{}, err
	}
	r.log.WithFields(logrus.Fields{
		"changesets":  len(out.Pushed),
		"round trips": out.Discovery.RoundTrips,
	}).Info("push finished")
	return out, nil
}

// Clone creates a repository at dest holding everything the peer shows.
// A failed clone leaves no repository behind.
func Clone(ctx context.Context, remote peer.Remote, dest string, conf Config) (*Repository, PullResult, error) {
	repo, err := Init(ctx, dest, conf)
	if err != nil {
		return nil, PullResult{}, err
	}
	res, err := repo.Pull(ctx, remote)
	if err != nil {
		closeErr := repo.Close()
		rmErr := os.RemoveAll(filepath.Join(dest, MetaDir))
		return nil, PullResult{}, errors.Join(err, closeErr, rmErr)
	}
	return repo, res, nil
}
