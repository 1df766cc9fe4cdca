// Package patch implements the binary delta format used by revlogs and
// bundles: an ordered list of non-overlapping replace ranges over a base
// buffer.
package patch

import (
	"bytes"
	"encoding/binary"

	"github.com/i5heu/ouroboros-vcs/pkg/failure"
)

// opHeaderSize is start(4) + end(4) + len(4).
const opHeaderSize = 12

// Op replaces base[Start:End] with Data.
type Op struct {
	Start int
	End   int
	Data  []byte
}

// Patch is an ordered list of ops sorted by Start, non-overlapping.
type Patch []Op

// Parse decodes the wire form. The ops are checked for ordering but not
// against a base length; Apply does that.
func Parse(b []byte) (Patch, error) {
	var p Patch
	pos := 0
	prevEnd := 0
	for pos < len(b) {
		if len(b)-pos < opHeaderSize {
			return nil, failure.Malformed("patch.Parse", "truncated op header at offset %d", pos)
		}
		start := int(binary.BigEndian.Uint32(b[pos:]))
		end := int(binary.BigEndian.Uint32(b[pos+4:]))
		n := int(binary.BigEndian.Uint32(b[pos+8:]))
		pos += opHeaderSize
		if n < 0 || len(b)-pos < n {
			return nil, failure.Malformed("patch.Parse", "op data of %d bytes exceeds patch at offset %d", n, pos)
		}
		if start > end || start < prevEnd {
			return nil, failure.Malformed("patch.Parse", "op [%d,%d) overlaps or precedes previous end %d", start, end, prevEnd)
		}
		p = append(p, Op{Start: start, End: end, Data: b[pos : pos+n]})
		prevEnd = end
		pos += n
	}
	return p, nil
}

// Bytes encodes the patch.
func (p Patch) Bytes() []byte {
	out := make([]byte, 0, p.SerializedLength())
	var hdr [opHeaderSize]byte
	for _, op := range p {
		binary.BigEndian.PutUint32(hdr[0:], uint32(op.Start))
		binary.BigEndian.PutUint32(hdr[4:], uint32(op.End))
		binary.BigEndian.PutUint32(hdr[8:], uint32(len(op.Data)))
		out = append(out, hdr[:]...)
		out = append(out, op.Data...)
	}
	return out
}

// SerializedLength is len(p.Bytes()) without encoding.
func (p Patch) SerializedLength() int {
	n := 0
	for _, op := range p {
		n += opHeaderSize + len(op.Data)
	}
	return n
}

// ResultLength is the length Apply produces for a base of baseLen bytes.
func (p Patch) ResultLength(baseLen int) int {
	n := baseLen
	for _, op := range p {
		n += len(op.Data) - (op.End - op.Start)
	}
	return n
}

// Validate checks ordering and that every range lies inside the base.
func (p Patch) Validate(baseLen int) error {
	prevEnd := 0
	for i, op := range p {
		if op.Start > op.End {
			return failure.Malformed("patch.Validate", "op %d has start %d after end %d", i, op.Start, op.End)
		}
		if op.Start < prevEnd {
			return failure.Malformed("patch.Validate", "op %d at %d overlaps previous end %d", i, op.Start, prevEnd)
		}
		if op.End > baseLen {
			return failure.Malformed("patch.Validate", "op %d ends at %d beyond base length %d", i, op.End, baseLen)
		}
		prevEnd = op.End
	}
	return nil
}

// Apply copies base with every op substituted, in one sequential pass.
func (p Patch) Apply(base []byte) ([]byte, error) {
	if err := p.Validate(len(base)); err != nil {
		return nil, err
	}
	out := make([]byte, 0, p.ResultLength(len(base)))
	last := 0
	for _, op := range p {
		out = append(out, base[last:op.Start]...)
		out = append(out, op.Data...)
		last = op.End
	}
	out = append(out, base[last:]...)
	return out, nil
}

// Snapshot is the patch that turns a base of baseLen bytes into content.
// Bundles carry full texts this way when the receiver expects a delta.
func Snapshot(baseLen int, content []byte) Patch {
	return Patch{{Start: 0, End: baseLen, Data: content}}
}

// IsSnapshotOf reports whether p replaces the whole of a base of baseLen
// bytes, returning the replacement.
func (p Patch) IsSnapshotOf(baseLen int) ([]byte, bool) {
	if len(p) == 1 && p[0].Start == 0 && p[0].End == baseLen {
		return p[0].Data, true
	}
	return nil, false
}

// Fold applies a chain of encoded patches to base in order.
func Fold(base []byte, chain ...[]byte) ([]byte, error) {
	cur := base
	for i, raw := range chain {
		p, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		next, err := p.Apply(cur)
		if err != nil {
			return nil, failure.Malformed("patch.Fold", "delta %d of %d: %v", i+1, len(chain), err)
		}
		cur = next
	}
	return cur, nil
}

func (p Patch) Equal(o Patch) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Start != o[i].Start || p[i].End != o[i].End || !bytes.Equal(p[i].Data, o[i].Data) {
			return false
		}
	}
	return true
}
