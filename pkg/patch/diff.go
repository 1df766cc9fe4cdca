package patch

import (
	"bytes"

	difflib "github.com/ianbruene/go-difflib/difflib"
)

// Diff derives a patch turning base into target. Matching is line oriented;
// lines keep their terminators so offsets map straight back to bytes.
// Adjacent non-equal opcodes become a single op.
func Diff(base, target []byte) Patch {
	if bytes.Equal(base, target) {
		return Patch{}
	}
	if len(base) == 0 {
		return Snapshot(0, target)
	}

	a := splitLines(base)
	b := splitLines(target)
	aOff := offsets(a)
	bOff := offsets(b)

	matcher := difflib.NewMatcherWithJunk(a, b, false, nil)
	var p Patch
	for _, oc := range matcher.GetOpCodes() {
		if oc.Tag == 'e' {
			continue
		}
		start, end := aOff[oc.I1], aOff[oc.I2]
		data := target[bOff[oc.J1]:bOff[oc.J2]]
		if n := len(p); n > 0 && p[n-1].End == start {
			prev := &p[n-1]
			prev.End = end
			prev.Data = append(append([]byte{}, prev.Data...), data...)
			continue
		}
		p = append(p, Op{Start: start, End: end, Data: data})
	}
	return p
}

// splitLines cuts b after every '\n'. A trailing fragment without newline is
// its own line.
func splitLines(b []byte) []string {
	var lines []string
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			lines = append(lines, string(b))
			break
		}
		lines = append(lines, string(b[:i+1]))
		b = b[i+1:]
	}
	return lines
}

// offsets returns the byte offset of each line start plus the total length.
func offsets(lines []string) []int {
	off := make([]int, len(lines)+1)
	for i, l := range lines {
		off[i+1] = off[i] + len(l)
	}
	return off
}
