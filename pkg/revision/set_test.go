package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genNode(t *rapid.T) Node {
	var n Node
	// a small alphabet makes collisions between generated sets likely
	b := rapid.SliceOfN(rapid.ByteRange(0, 3), Size, Size).Draw(t, "nodeBytes")
	copy(n[:], b)
	return n
}

func genSet(t *rapid.T, label string) Set {
	return NewSet(rapid.SliceOfN(rapid.Custom(genNode), 0, 12).Draw(t, label)...)
}

func TestSetAlgebraLaws(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genSet(t, "a")
		b := genSet(t, "b")

		if !a.Union(b).Subtract(b).Equal(a.Subtract(b)) {
			t.Fatalf("(A ∪ B) − B != A − B for A=%v B=%v", a, b)
		}
		if !a.Subtract(a).IsEmpty() {
			t.Fatalf("A − A not empty: %v", a.Subtract(a))
		}
		inter := a.Intersect(b)
		for _, n := range inter.Nodes() {
			if !a.Contains(n) || !b.Contains(n) {
				t.Fatalf("intersection member %v missing from an operand", n)
			}
		}
		if a.Union(b).Len() != a.Len()+b.Len()-inter.Len() {
			t.Fatalf("union size mismatch")
		}
	})
}

func TestSetImmutable(t *testing.T) {
	a := NewSet(nodeOf(1), nodeOf(2))
	b := NewSet(nodeOf(2), nodeOf(3))

	_ = a.Union(b)
	_ = a.Subtract(b)
	_ = a.With(nodeOf(9))

	assert.Equal(t, 2, a.Len())
	assert.False(t, a.Contains(nodeOf(3)))
	assert.False(t, a.Contains(nodeOf(9)))
}

func TestSetNodesSorted(t *testing.T) {
	s := NewSet(nodeOf(3), nodeOf(1), nodeOf(2), nodeOf(1))
	nodes := s.Nodes()
	require.Len(t, nodes, 3)
	for i := 1; i < len(nodes); i++ {
		assert.Equal(t, -1, nodes[i-1].Compare(nodes[i]))
	}
}

func TestZeroSet(t *testing.T) {
	var s Set
	assert.True(t, s.IsEmpty())
	assert.False(t, s.Contains(nodeOf(1)))
	assert.Equal(t, 1, s.Union(NewSet(nodeOf(1))).Len())
	assert.True(t, s.Subtract(NewSet(nodeOf(1))).IsEmpty())
}

// chain builds a linear history n1 <- n2 <- ... <- nk plus a branch off n2.
func chainParents() (map[Node][2]Node, ParentFunc) {
	p := map[Node][2]Node{
		nodeOf(1): {Null, Null},
		nodeOf(2): {nodeOf(1), Null},
		nodeOf(3): {nodeOf(2), Null},
		nodeOf(4): {nodeOf(3), Null},
		nodeOf(5): {nodeOf(2), Null},
		nodeOf(6): {nodeOf(4), nodeOf(5)},
	}
	return p, func(n Node) (Node, Node) {
		ps := p[n]
		return ps[0], ps[1]
	}
}

func TestHeads(t *testing.T) {
	_, parents := chainParents()

	s := NewSet(nodeOf(1), nodeOf(3), nodeOf(5))
	assert.True(t, s.Heads(parents).Equal(NewSet(nodeOf(3), nodeOf(5))))

	// 6 descends from 1 through 2, which is not a member
	s = NewSet(nodeOf(1), nodeOf(6))
	assert.True(t, s.Heads(parents).Equal(NewSet(nodeOf(6))))
}

func TestHeadsIdempotent(t *testing.T) {
	_, parents := chainParents()
	rapid.Check(t, func(t *rapid.T) {
		picks := rapid.SliceOfN(rapid.IntRange(1, 6), 0, 6).Draw(t, "picks")
		var nodes []Node
		for _, p := range picks {
			nodes = append(nodes, nodeOf(byte(p)))
		}
		s := NewSet(nodes...)
		h := s.Heads(parents)
		if !h.Heads(parents).Equal(h) {
			t.Fatalf("heads not idempotent: %v -> %v", h, h.Heads(parents))
		}
	})
}

func TestRoots(t *testing.T) {
	_, parents := chainParents()
	s := NewSet(nodeOf(3), nodeOf(4), nodeOf(5), nodeOf(6))
	assert.True(t, s.Roots(parents).Equal(NewSet(nodeOf(3), nodeOf(5))))
}

func nodeOf(b byte) Node {
	var n Node
	n[0] = b
	n[Size-1] = b
	return n
}
