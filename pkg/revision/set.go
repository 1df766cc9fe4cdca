package revision

import (
	"strings"

	"github.com/emirpasic/gods/sets/treeset"
)

func nodeComparator(a, b interface{}) int {
	return a.(Node).Compare(b.(Node))
}

// Set is an immutable set of nodes iterated in byte-wise order. Every
// operation returns a new Set; the zero value is an empty set.
type Set struct {
	tree *treeset.Set
}

// ParentFunc returns the parents of a node. Absent parents are Null.
type ParentFunc func(Node) (Node, Node)

func NewSet(nodes ...Node) Set {
	t := treeset.NewWith(nodeComparator)
	for _, n := range nodes {
		t.Add(n)
	}
	return Set{tree: t}
}

func (s Set) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Size()
}

func (s Set) IsEmpty() bool {
	return s.Len() == 0
}

func (s Set) Contains(n Node) bool {
	if s.tree == nil {
		return false
	}
	return s.tree.Contains(n)
}

// Nodes returns the members in byte-wise order.
func (s Set) Nodes() []Node {
	if s.tree == nil {
		return nil
	}
	out := make([]Node, 0, s.tree.Size())
	it := s.tree.Iterator()
	for it.Next() {
		out = append(out, it.Value().(Node))
	}
	return out
}

func (s Set) Union(o Set) Set {
	out := NewSet(s.Nodes()...)
	for _, n := range o.Nodes() {
		out.tree.Add(n)
	}
	return out
}

func (s Set) Subtract(o Set) Set {
	out := NewSet()
	for _, n := range s.Nodes() {
		if !o.Contains(n) {
			out.tree.Add(n)
		}
	}
	return out
}

func (s Set) Intersect(o Set) Set {
	out := NewSet()
	for _, n := range s.Nodes() {
		if o.Contains(n) {
			out.tree.Add(n)
		}
	}
	return out
}

// With returns a copy of s including nodes.
func (s Set) With(nodes ...Node) Set {
	return s.Union(NewSet(nodes...))
}

func (s Set) Equal(o Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, n := range s.Nodes() {
		if !o.Contains(n) {
			return false
		}
	}
	return true
}

// Heads returns the members that have no descendant inside the set. The
// ancestry of every member is walked with parents, so a member is dropped
// even when the descendant reaches it through non-members.
func (s Set) Heads(parents ParentFunc) Set {
	nodes := s.Nodes()
	covered := make(map[Node]bool)
	for _, n := range nodes {
		stack := []Node{}
		p1, p2 := parents(n)
		stack = append(stack, p1, p2)
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cur.IsNull() || covered[cur] {
				continue
			}
			covered[cur] = true
			a, b := parents(cur)
			stack = append(stack, a, b)
		}
	}
	out := NewSet()
	for _, n := range nodes {
		if !covered[n] {
			out.tree.Add(n)
		}
	}
	return out
}

// Roots returns the members none of whose parents are members.
func (s Set) Roots(parents ParentFunc) Set {
	out := NewSet()
	for _, n := range s.Nodes() {
		p1, p2 := parents(n)
		if s.Contains(p1) || s.Contains(p2) {
			continue
		}
		out.tree.Add(n)
	}
	return out
}

func (s Set) String() string {
	parts := make([]string, 0, s.Len())
	for _, n := range s.Nodes() {
		parts = append(parts, n.Short())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
