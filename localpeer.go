package ouroboros

import (
	"bytes"
	"context"
	"io"

	"github.com/i5heu/ouroboros-vcs/internal/discovery"
	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// LocalPeer serves a Repository in the same process through the peer
// contract. Bundles travel uncompressed.
type LocalPeer struct {
	repo *Repository
}

var _ peer.Remote = (*LocalPeer)(nil)

func NewLocalPeer(repo *Repository) *LocalPeer {
	return &LocalPeer{repo: repo}
}

// Repository returns the served repository.
func (p *LocalPeer) Repository() *Repository {
	return p.repo
}

func (p *LocalPeer) Capabilities(ctx context.Context) ([]string, error) {
	if err := p.repo.checkOpen(); err != nil {
		return nil, err
	}
	return []string{"branchmap", "changegroupsubset", "lookup", "pushkey", "unbundle=HG10UN,HG10GZ,HG10BZ,HG10XZ"}, nil
}

func (p *LocalPeer) Heads(ctx context.Context) ([]revision.Node, error) {
	if err := p.repo.checkOpen(); err != nil {
		return nil, err
	}
	return p.repo.visibleHeads()
}

func (p *LocalPeer) Between(ctx context.Context, ranges []peer.Range) ([][]revision.Node, error) {
	if err := p.repo.checkOpen(); err != nil {
		return nil, err
	}
	cl, err := p.repo.changelog()
	if err != nil {
		return nil, err
	}
	return discovery.BetweenOf(cl, ranges)
}

func (p *LocalPeer) Branches(ctx context.Context, nodes []revision.Node) ([]peer.Branch, error) {
	if err := p.repo.checkOpen(); err != nil {
		return nil, err
	}
	cl, err := p.repo.changelog()
	if err != nil {
		return nil, err
	}
	return discovery.BranchesOf(cl, nodes)
}

func (p *LocalPeer) Changegroup(ctx context.Context, roots []revision.Node) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if _, err := p.repo.Changegroup(ctx, &buf, bundle.None, roots); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (p *LocalPeer) ChangegroupSubset(ctx context.Context, bases, heads []revision.Node) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if _, err := p.repo.ChangegroupSubset(ctx, &buf, bundle.None, bases, heads); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (p *LocalPeer) Unbundle(ctx context.Context, src io.Reader, expectedHeads []revision.Node) error {
	_, err := p.repo.applyExpecting(ctx, src, expectedHeads)
	return err
}

func (p *LocalPeer) Pushkey(ctx context.Context, namespace, key, oldValue, newValue string) (bool, error) {
	var ok bool
	err := p.repo.locked(ctx, "pushkey", func() error {
		switch namespace {
		case phases.Namespace:
			cl, err := p.repo.changelog()
			if err != nil {
				return err
			}
			roots, err := p.repo.phases.Load()
			if err != nil {
				return err
			}
			var next phases.Roots
			next, ok = phases.PushKey(cl, roots, key, oldValue, newValue)
			if ok && !next.Equal(roots) {
				return p.repo.phases.Save(next)
			}
			return nil
		case BookmarkNamespace:
			var err error
			ok, err = p.repo.pushBookmark(key, oldValue, newValue)
			return err
		}
		return nil
	})
	return ok, err
}

func (p *LocalPeer) Listkeys(ctx context.Context, namespace string) (map[string]string, error) {
	if err := p.repo.checkOpen(); err != nil {
		return nil, err
	}
	switch namespace {
	case phases.Namespace:
		roots, err := p.repo.phases.Load()
		if err != nil {
			return nil, err
		}
		return phases.ListKeys(roots, p.repo.config.Phases.Publish), nil
	case BookmarkNamespace:
		return p.repo.bookmarkKeys()
	}
	return map[string]string{}, nil
}
