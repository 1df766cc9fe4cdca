// Package revision provides revision identifiers and immutable revision sets.
package revision

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Size is the length of a Node in bytes.
const Size = 20

// Node identifies a revision by the digest of its parents and content.
type Node [Size]byte

// Null is the "no revision" sentinel, used for absent parents and the root.
var Null Node

func (n Node) IsNull() bool {
	return n == Null
}

func (n Node) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the 12 character abbreviation used in logs.
func (n Node) Short() string {
	return n.String()[:12]
}

func (n Node) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, n[:])
	return b
}

// Compare orders nodes byte-wise. The order carries no causal meaning.
func (n Node) Compare(o Node) int {
	return bytes.Compare(n[:], o[:])
}

// FromBytes copies a 20 byte slice into a Node.
func FromBytes(b []byte) (Node, error) {
	var n Node
	if len(b) != Size {
		return n, fmt.Errorf("invalid node length: expected %d bytes, got %d", Size, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Parse decodes a 40 character hex string.
func Parse(s string) (Node, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Null, fmt.Errorf("invalid node %q: %w", s, err)
	}
	return FromBytes(b)
}

// MustParse is Parse for constants in tests and tables.
func MustParse(s string) Node {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Hash computes the node of a revision. Parents are hashed smaller first so
// the result does not depend on their order.
func Hash(p1, p2 Node, content []byte) Node {
	a, b := p1, p2
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	h := sha1.New()
	h.Write(a[:])
	h.Write(b[:])
	h.Write(content)
	var n Node
	copy(n[:], h.Sum(nil))
	return n
}
