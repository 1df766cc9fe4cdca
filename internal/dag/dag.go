// Package dag implements graph walks over revision indices. Parents always
// have lower indices than their children, so descendants can be found with
// one forward scan.
package dag

import (
	"github.com/RoaringBitmap/roaring"
)

// NullRev is the index of the null revision.
const NullRev = -1

// Graph is an index-addressed revision graph such as a changelog revlog.
type Graph interface {
	Len() int
	ParentRevs(rev int) (int, int)
}

// Of builds a bitmap from revision indices, ignoring NullRev.
func Of(revs ...int) *roaring.Bitmap {
	b := roaring.New()
	for _, r := range revs {
		if r >= 0 {
			b.Add(uint32(r))
		}
	}
	return b
}

// Revs lists the members of b in ascending order.
func Revs(b *roaring.Bitmap) []int {
	out := make([]int, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Ancestors returns revs and all their ancestors.
func Ancestors(g Graph, revs *roaring.Bitmap) *roaring.Bitmap {
	seen := roaring.New()
	stack := Revs(revs)
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r < 0 || r >= g.Len() || seen.Contains(uint32(r)) {
			continue
		}
		seen.Add(uint32(r))
		p1, p2 := g.ParentRevs(r)
		stack = append(stack, p1, p2)
	}
	return seen
}

// Descendants returns revs and every revision descending from them.
func Descendants(g Graph, revs *roaring.Bitmap) *roaring.Bitmap {
	out := revs.Clone()
	if out.IsEmpty() {
		return out
	}
	for r := int(out.Minimum()) + 1; r < g.Len(); r++ {
		p1, p2 := g.ParentRevs(r)
		if (p1 >= 0 && out.Contains(uint32(p1))) || (p2 >= 0 && out.Contains(uint32(p2))) {
			out.Add(uint32(r))
		}
	}
	return out
}

// Heads returns the members of set that are not a parent of another member.
func Heads(g Graph, set *roaring.Bitmap) *roaring.Bitmap {
	heads := set.Clone()
	it := set.Iterator()
	for it.HasNext() {
		p1, p2 := g.ParentRevs(int(it.Next()))
		if p1 >= 0 {
			heads.Remove(uint32(p1))
		}
		if p2 >= 0 {
			heads.Remove(uint32(p2))
		}
	}
	return heads
}

// Roots returns the members of set with no parent in set.
func Roots(g Graph, set *roaring.Bitmap) *roaring.Bitmap {
	roots := roaring.New()
	it := set.Iterator()
	for it.HasNext() {
		r := it.Next()
		p1, p2 := g.ParentRevs(int(r))
		if (p1 < 0 || !set.Contains(uint32(p1))) && (p2 < 0 || !set.Contains(uint32(p2))) {
			roots.Add(r)
		}
	}
	return roots
}

// All returns every revision of g.
func All(g Graph) *roaring.Bitmap {
	b := roaring.New()
	if n := g.Len(); n > 0 {
		b.AddRange(0, uint64(n))
	}
	return b
}

// Missing returns the ancestors of heads that are not ancestors of common:
// what a peer holding common lacks to reach heads.
func Missing(g Graph, common, heads *roaring.Bitmap) *roaring.Bitmap {
	return roaring.AndNot(Ancestors(g, heads), Ancestors(g, common))
}
