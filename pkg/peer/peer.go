// Package peer defines the transport-agnostic operations a remote
// repository offers. Framing (HTTP, SSH, in-process) lives with the
// implementations.
package peer

import (
	"context"
	"errors"
	"io"

	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// ErrRemoteChanged is returned by Unbundle when the remote heads moved
// since the caller observed them.
var ErrRemoteChanged = errors.New("peer: remote heads changed during push")

// Range asks Between for samples on the first-parent line from Top down to
// Bottom.
type Range struct {
	Top    revision.Node
	Bottom revision.Node
}

// Branch describes a linear segment: walking first parents from Head, Root
// is the first node that is a merge or has no parents. P1 and P2 are Root's
// parents.
type Branch struct {
	Head revision.Node
	Root revision.Node
	P1   revision.Node
	P2   revision.Node
}

// Remote is the contract discovery and exchange rely on. Implementations
// report transport problems as plain errors; callers classify them.
type Remote interface {
	Capabilities(ctx context.Context) ([]string, error)
	Heads(ctx context.Context) ([]revision.Node, error)
	// Between returns, per range, the nodes at first-parent distance
	// 1, 2, 4, 8, ... from Top, stopping before Bottom.
	Between(ctx context.Context, ranges []Range) ([][]revision.Node, error)
	Branches(ctx context.Context, nodes []revision.Node) ([]Branch, error)
	// Changegroup streams every revision descending from roots
	// (inclusive) as a bundle.
	Changegroup(ctx context.Context, roots []revision.Node) (io.ReadCloser, error)
	// ChangegroupSubset streams ancestors of heads that are not
	// ancestors of bases.
	ChangegroupSubset(ctx context.Context, bases, heads []revision.Node) (io.ReadCloser, error)
	// Unbundle applies a bundle if the remote heads still equal
	// expectedHeads; otherwise it fails with ErrRemoteChanged.
	Unbundle(ctx context.Context, bundle io.Reader, expectedHeads []revision.Node) error
	Pushkey(ctx context.Context, namespace, key, oldValue, newValue string) (bool, error)
	Listkeys(ctx context.Context, namespace string) (map[string]string, error)
}
