package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/internal/transaction"
	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// ApplyResult summarizes an applied bundle.
type ApplyResult struct {
	// Changesets lists the changesets that were new, in bundle order.
	Changesets []revision.Node
	// Revisions counts every new revision across all revlogs.
	Revisions int
	// Elements counts every element read, including ones already present.
	Elements int
}

// Unbundle applies a bundle file. New changesets become draft.
func (r *Repository) Unbundle(ctx context.Context, path string) (ApplyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ApplyResult{}, failure.InvalidArgument("unbundle", "%v", err)
	}
	defer f.Close()
	return r.Apply(ctx, f)
}

// Apply reads a bundle stream and appends its revisions in one
// transaction. Any failure, including cancellation, leaves the repository
// as it was. New changesets become draft.
func (r *Repository) Apply(ctx context.Context, src io.Reader) (ApplyResult, error) {
	var res ApplyResult
	err := r.transact(ctx, "apply", func(tx *repoTx) error {
		var err error
		res, err = r.applyTx(ctx, tx, src, phases.Draft)
		return err
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// applyExpecting is the serving side of a push: the bundle is only applied
// if the visible heads still equal expected.
func (r *Repository) applyExpecting(ctx context.Context, src io.Reader, expected []revision.Node) (ApplyResult, error) {
	var res ApplyResult
	phase := phases.Draft
	if r.config.Phases.Publish {
		phase = phases.Public
	}
	err := r.transact(ctx, "unbundle", func(tx *repoTx) error {
		heads, err := r.visibleHeads()
		if err != nil {
			return err
		}
		if !revision.NewSet(heads...).Equal(revision.NewSet(expected...)) {
			return peer.ErrRemoteChanged
		}
		res, err = r.applyTx(ctx, tx, src, phase)
		return err
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// applyTx streams src into the revlogs and stages phase for the new
// changesets in the transaction.
func (r *Repository) applyTx(ctx context.Context, tx *repoTx, src io.Reader, phase phases.Phase) (ApplyResult, error) {
	res, err := r.applyStream(ctx, tx.Tx, src)
	if err != nil {
		return ApplyResult{}, err
	}
	if len(res.Changesets) == 0 {
		return res, nil
	}
	cl, err := r.changelog()
	if err != nil {
		return ApplyResult{}, err
	}
	roots, err := tx.phases.Load()
	if err != nil {
		return ApplyResult{}, err
	}
	if phase == phases.Public {
		roots = roots.Advance(cl, phases.Public, res.Changesets)
	} else {
		roots = roots.RetractBoundary(cl, phase, res.Changesets)
	}
	if err := tx.phases.Save(roots); err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

func (r *Repository) applyStream(ctx context.Context, tx *transaction.Tx, src io.Reader) (res ApplyResult, err error) {
	cl, err := r.changelog()
	if err != nil {
		return res, err
	}
	mf, err := r.manifest()
	if err != nil {
		return res, err
	}
	br, err := bundle.NewReader(src)
	if err != nil {
		return res, err
	}
	ws := r.newWriters(tx)
	defer func() {
		if closeErr := ws.close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	var (
		resolver bundle.Resolver
		current  *revlog.Writer
		path     string
	)
	links := changelogLinks(cl)
	log := r.log.WithField("compression", br.Compression())
	for {
		ev, err := br.Next()
		if err != nil {
			return res, err
		}
		switch ev.Kind {
		case bundle.ChangelogStart:
			resolver.Reset()
			current, path = ws.get(cl, nil), "changelog"
		case bundle.ManifestStart:
			resolver.Reset()
			current, path = ws.get(mf, links), "manifest"
		case bundle.FileStart:
			if err := checkPath(ev.Path); err != nil {
				return res, failure.Malformed("apply", "file group %q: bad path", ev.Path)
			}
			fl, err := r.store.File(ev.Path)
			if err != nil {
				return res, err
			}
			resolver.Reset()
			current, path = ws.get(fl, links), ev.Path
		case bundle.Element:
			content, err := resolver.Content(ev.Element)
			if err != nil {
				return res, err
			}
			_, added, err := current.AddElement(ev.Element, content)
			if err != nil {
				return res, fmt.Errorf("apply %s: %w", path, err)
			}
			res.Elements++
			if added {
				res.Revisions++
				if br.Section() == bundle.SectionChangelog {
					res.Changesets = append(res.Changesets, ev.Element.Node)
				}
			}
			if err := cancelled(ctx, "apply"); err != nil {
				return res, err
			}
		case bundle.GroupEnd:
			log.WithFields(logrus.Fields{"group": path, "changesets": len(res.Changesets)}).Debug("group applied")
		case bundle.End:
			log.WithFields(logrus.Fields{
				"changesets": len(res.Changesets),
				"revisions":  res.Revisions,
				"elements":   res.Elements,
			}).Info("bundle applied")
			return res, nil
		}
	}
}
