package discovery

import (
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// The functions below answer discovery requests from the serving side.

// HeadsOf lists the heads of g, newest first.
func HeadsOf(g Graph) []revision.Node {
	var out []revision.Node
	isParent := make([]bool, g.Len())
	for rev := 0; rev < g.Len(); rev++ {
		p1, p2 := g.ParentRevs(rev)
		if p1 >= 0 {
			isParent[p1] = true
		}
		if p2 >= 0 {
			isParent[p2] = true
		}
	}
	for rev := g.Len() - 1; rev >= 0; rev-- {
		if !isParent[rev] {
			out = append(out, g.Node(rev))
		}
	}
	return out
}

func firstParent(g Graph, n revision.Node) (revision.Node, revision.Node, bool) {
	rev, ok := g.Rev(n)
	if !ok || rev < 0 {
		return revision.Null, revision.Null, false
	}
	p1, p2 := g.ParentRevs(rev)
	return g.Node(p1), g.Node(p2), true
}

// BranchesOf walks first parents from each node until a merge or a node
// without parents.
func BranchesOf(g Graph, nodes []revision.Node) ([]peer.Branch, error) {
	out := make([]peer.Branch, 0, len(nodes))
	for _, head := range nodes {
		n := head
		for {
			p1, p2, ok := firstParent(g, n)
			if !ok {
				return nil, failure.InvalidArgument("branches", "unknown node %s", n.Short())
			}
			if !p2.IsNull() || p1.IsNull() {
				out = append(out, peer.Branch{Head: head, Root: n, P1: p1, P2: p2})
				break
			}
			n = p1
		}
	}
	return out, nil
}

// BetweenOf samples, per range, the first-parent line below Top at
// distances 1, 2, 4, ... stopping at Bottom or the null node.
func BetweenOf(g Graph, ranges []peer.Range) ([][]revision.Node, error) {
	out := make([][]revision.Node, 0, len(ranges))
	for _, r := range ranges {
		var l []revision.Node
		n, i, f := r.Top, 0, 1
		for n != r.Bottom && !n.IsNull() {
			p1, _, ok := firstParent(g, n)
			if !ok {
				return nil, failure.InvalidArgument("between", "unknown node %s", n.Short())
			}
			if i == f {
				l = append(l, n)
				f *= 2
			}
			n = p1
			i++
		}
		out = append(out, l)
	}
	return out, nil
}
