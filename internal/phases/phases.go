// Package phases tracks how far each changeset has been published.
//
// Every revision is public, draft or secret. Only the boundaries are
// stored: the roots of each non-public phase. A revision's phase is the
// highest phase among the roots that are its ancestors or itself.
package phases

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/i5heu/ouroboros-vcs/internal/dag"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

type Phase int

const (
	Public Phase = iota
	Draft
	Secret
)

// trackedPhases are the phases with stored roots.
var trackedPhases = []Phase{Draft, Secret}

func (p Phase) String() string {
	switch p {
	case Public:
		return "public"
	case Draft:
		return "draft"
	case Secret:
		return "secret"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public", "0":
		return Public, nil
	case "draft", "1":
		return Draft, nil
	case "secret", "2":
		return Secret, nil
	}
	return Public, fmt.Errorf("unknown phase %q", s)
}

// Graph is the changelog as seen by phase computations.
type Graph interface {
	dag.Graph
	Node(rev int) revision.Node
	Rev(node revision.Node) (int, bool)
}

// Roots holds the root nodes of the draft and secret phases.
type Roots struct {
	Draft  revision.Set
	Secret revision.Set
}

func (r Roots) Of(p Phase) revision.Set {
	switch p {
	case Draft:
		return r.Draft
	case Secret:
		return r.Secret
	}
	return revision.Set{}
}

func (r *Roots) set(p Phase, s revision.Set) {
	switch p {
	case Draft:
		r.Draft = s
	case Secret:
		r.Secret = s
	}
}

func (r Roots) Equal(o Roots) bool {
	return r.Draft.Equal(o.Draft) && r.Secret.Equal(o.Secret)
}

func revsOf(g Graph, nodes []revision.Node) *roaring.Bitmap {
	b := roaring.New()
	for _, n := range nodes {
		if rev, ok := g.Rev(n); ok && rev >= 0 {
			b.Add(uint32(rev))
		}
	}
	return b
}

func nodesOf(g Graph, b *roaring.Bitmap) revision.Set {
	revs := dag.Revs(b)
	nodes := make([]revision.Node, 0, len(revs))
	for _, r := range revs {
		nodes = append(nodes, g.Node(r))
	}
	return revision.NewSet(nodes...)
}

// atLeast returns the revisions whose phase is p or higher.
func (r Roots) atLeast(g Graph, p Phase) *roaring.Bitmap {
	out := roaring.New()
	for _, q := range trackedPhases {
		if q >= p {
			out.Or(dag.Descendants(g, revsOf(g, r.Of(q).Nodes())))
		}
	}
	return out
}

// Compute returns the phase of every revision of g, indexed by revision.
func (r Roots) Compute(g Graph) []Phase {
	out := make([]Phase, g.Len())
	for _, p := range trackedPhases {
		it := dag.Descendants(g, revsOf(g, r.Of(p).Nodes())).Iterator()
		for it.HasNext() {
			rev := it.Next()
			if out[rev] < p {
				out[rev] = p
			}
		}
	}
	return out
}

// PhaseOf returns the phase of a single node. Unknown nodes are public.
func (r Roots) PhaseOf(g Graph, node revision.Node) Phase {
	rev, ok := g.Rev(node)
	if !ok || rev < 0 {
		return Public
	}
	phase := Public
	for _, p := range trackedPhases {
		if dag.Ancestors(g, dag.Of(rev)).Intersects(revsOf(g, r.Of(p).Nodes())) {
			phase = p
		}
	}
	return phase
}

// Members returns the nodes whose phase is exactly p.
func (r Roots) Members(g Graph, p Phase) revision.Set {
	var in *roaring.Bitmap
	if p == Public {
		in = dag.All(g)
	} else {
		in = r.atLeast(g, p)
	}
	in.AndNot(r.atLeast(g, p+1))
	return nodesOf(g, in)
}

// SecretSet is every secret node. Such nodes never leave the repository.
func (r Roots) SecretSet(g Graph) revision.Set {
	return nodesOf(g, r.atLeast(g, Secret))
}

// Advance moves nodes and their ancestors to phase target or lower. It
// never raises a phase.
func (r Roots) Advance(g Graph, target Phase, nodes []revision.Node) Roots {
	affected := dag.Ancestors(g, revsOf(g, nodes))
	out := r
	for _, p := range trackedPhases {
		switch {
		case p < target:
			continue
		case p == target:
			// revisions above target land on it
			raised := roaring.And(affected, r.atLeast(g, target+1))
			if raised.IsEmpty() {
				continue
			}
			in := dag.Descendants(g, revsOf(g, r.Of(p).Nodes()))
			in.Or(raised)
			out.set(p, nodesOf(g, dag.Roots(g, in)))
		default:
			in := dag.Descendants(g, revsOf(g, r.Of(p).Nodes()))
			in.AndNot(affected)
			out.set(p, nodesOf(g, dag.Roots(g, in)))
		}
	}
	return out
}

// RetractBoundary puts nodes that are below phase target at target, along
// with their descendants. It never lowers a phase.
func (r Roots) RetractBoundary(g Graph, target Phase, nodes []revision.Node) Roots {
	if target == Public {
		return r
	}
	current := r.Compute(g)
	lifted := roaring.New()
	it := revsOf(g, nodes).Iterator()
	for it.HasNext() {
		rev := it.Next()
		if current[rev] < target {
			lifted.Add(rev)
		}
	}
	if lifted.IsEmpty() {
		return r
	}
	in := dag.Descendants(g, revsOf(g, r.Of(target).Nodes()))
	in.Or(dag.Descendants(g, lifted))
	out := r
	out.set(target, nodesOf(g, dag.Roots(g, in)))
	return out
}
