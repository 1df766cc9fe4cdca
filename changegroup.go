package ouroboros

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/dag"
	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/patch"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// visible returns the changelog revisions peers may see: everything but
// secret changesets.
func (r *Repository) visible(cl *revlog.Revlog) (*roaring.Bitmap, phases.Roots, error) {
	roots, err := r.phases.Load()
	if err != nil {
		return nil, phases.Roots{}, err
	}
	all := dag.All(cl)
	for rev, p := range roots.Compute(cl) {
		if p == phases.Secret {
			all.Remove(uint32(rev))
		}
	}
	return all, roots, nil
}

func (r *Repository) revsOf(cl *revlog.Revlog, op string, nodes []revision.Node) (*roaring.Bitmap, error) {
	b := roaring.New()
	for _, n := range nodes {
		rev, ok := cl.Rev(n)
		if !ok {
			return nil, failure.InvalidArgument(op, "unknown revision %s", n.Short())
		}
		if rev >= 0 {
			b.Add(uint32(rev))
		}
	}
	return b, nil
}

// Changegroup writes a bundle of every visible changeset descending from
// roots, inclusive. No roots, or the null node among them, selects the
// whole history. It returns the number of elements written.
func (r *Repository) Changegroup(ctx context.Context, w io.Writer, comp bundle.Compression, roots []revision.Node) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	cl, err := r.changelog()
	if err != nil {
		return 0, err
	}
	visible, _, err := r.visible(cl)
	if err != nil {
		return 0, err
	}
	selected := visible
	if len(roots) > 0 && !revision.NewSet(roots...).Contains(revision.Null) {
		rootRevs, err := r.revsOf(cl, "changegroup", roots)
		if err != nil {
			return 0, err
		}
		selected = roaring.And(dag.Descendants(cl, rootRevs), visible)
	}
	return r.writeChangegroup(ctx, w, comp, cl, selected)
}

// ChangegroupSubset writes a bundle of the visible ancestors of heads that
// are not ancestors of bases. No heads means every local head.
func (r *Repository) ChangegroupSubset(ctx context.Context, w io.Writer, comp bundle.Compression, bases, heads []revision.Node) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	cl, err := r.changelog()
	if err != nil {
		return 0, err
	}
	visible, _, err := r.visible(cl)
	if err != nil {
		return 0, err
	}
	baseRevs, err := r.revsOf(cl, "changegroupsubset", bases)
	if err != nil {
		return 0, err
	}
	headRevs := dag.Heads(cl, visible)
	if len(heads) > 0 {
		if headRevs, err = r.revsOf(cl, "changegroupsubset", heads); err != nil {
			return 0, err
		}
	}
	selected := roaring.And(dag.Missing(cl, baseRevs, headRevs), visible)
	return r.writeChangegroup(ctx, w, comp, cl, selected)
}

// Bundle writes the changesets between bases and heads to a bundle file
// using the configured compression.
func (r *Repository) Bundle(ctx context.Context, path string, bases, heads []revision.Node) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, failure.InvalidArgument("bundle", "%v", err)
	}
	n, err := r.ChangegroupSubset(ctx, f, r.bundleFmt, bases, heads)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close bundle %s: %w", path, closeErr)
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		r.log.WithFields(logrus.Fields{
			"path":     path,
			"elements": n,
			"size":     humanize.Bytes(uint64(info.Size())),
		}).Info("bundle written")
	}
	return n, nil
}

// writeChangegroup streams the changelog, manifest and file revisions that
// belong to the changesets in csRevs. Manifest and file revisions are
// selected by their link revision.
func (r *Repository) writeChangegroup(ctx context.Context, w io.Writer, comp bundle.Compression, cl *revlog.Revlog, csRevs *roaring.Bitmap) (int, error) {
	mf, err := r.manifest()
	if err != nil {
		return 0, err
	}
	bw, err := bundle.NewWriter(w, comp)
	if err != nil {
		return 0, failure.Connectivity("changegroup", err)
	}
	linked := func(rl *revlog.Revlog) []int {
		var out []int
		for rev := 0; rev < rl.Len(); rev++ {
			if link := rl.LinkRev(rev); link >= 0 && csRevs.Contains(uint32(link)) {
				out = append(out, rev)
			}
		}
		return out
	}

	csList := dag.Revs(csRevs)
	if err := bw.BeginChangelog(); err != nil {
		return 0, err
	}
	if err := r.writeGroup(ctx, bw, cl, cl, csList); err != nil {
		return 0, err
	}
	if err := bw.EndGroup(); err != nil {
		return 0, err
	}

	if err := bw.BeginManifest(); err != nil {
		return 0, err
	}
	if err := r.writeGroup(ctx, bw, cl, mf, linked(mf)); err != nil {
		return 0, err
	}
	if err := bw.EndGroup(); err != nil {
		return 0, err
	}

	touched := make(map[string]bool)
	for _, rev := range csList {
		cs, err := readChangeset(cl, cl.Node(rev))
		if err != nil {
			return 0, err
		}
		for _, f := range cs.Files {
			touched[f] = true
		}
	}
	paths := make([]string, 0, len(touched))
	for p := range touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fl, err := r.store.File(path)
		if err != nil {
			return 0, err
		}
		revs := linked(fl)
		if len(revs) == 0 {
			continue
		}
		if err := bw.BeginFile(path); err != nil {
			return 0, err
		}
		if err := r.writeGroup(ctx, bw, cl, fl, revs); err != nil {
			return 0, err
		}
		if err := bw.EndGroup(); err != nil {
			return 0, err
		}
	}
	if err := bw.Close(); err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{
		"changesets": len(csList),
		"files":      len(paths),
		"elements":   bw.Elements(),
	}).Debug("changegroup generated")
	return bw.Elements(), nil
}

// writeGroup emits revs of rl in order. The first element is a full text;
// later ones are a patch against the element before them. When that
// element is the previous revision and the revlog stores a delta, the
// stored delta is sent as is, so the receiver rebuilds identical chunks.
func (r *Repository) writeGroup(ctx context.Context, bw *bundle.Writer, cl, rl *revlog.Revlog, revs []int) error {
	prevRev := revlog.NullRev
	var prevText []byte
	for i, rev := range revs {
		e, err := rl.Entry(rev)
		if err != nil {
			return err
		}
		text, err := rl.Content(rev)
		if err != nil {
			return err
		}
		p1, p2 := rl.ParentRevs(rev)
		el := bundle.GroupElement{
			Node:          e.Node,
			P1:            rl.Node(p1),
			P2:            rl.Node(p2),
			ChangesetLink: cl.Node(int(e.LinkRev)),
		}
		switch {
		case i == 0:
			el.Payload = text
		case prevRev == rev-1 && !e.IsSnapshot(rev):
			delta, err := rl.Chunk(rev)
			if err != nil {
				return err
			}
			el.PatchBase, el.Payload = rl.Node(prevRev), delta
		default:
			delta := patch.Diff(prevText, text).Bytes()
			if float64(len(delta)) > r.config.Revlog.SnapshotRatio*float64(len(text)) {
				el.Payload = text
			} else {
				el.PatchBase, el.Payload = rl.Node(prevRev), delta
			}
		}
		if el.ChangesetLink.IsNull() {
			return failure.Integrity("changegroup", e.Node, "%s: link rev %d outside the changelog", rl.Path(), e.LinkRev)
		}
		if err := bw.WriteElement(el); err != nil {
			return err
		}
		if err := cancelled(ctx, "changegroup"); err != nil {
			return err
		}
		prevRev, prevText = rev, text
	}
	return nil
}
