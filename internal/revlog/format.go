package revlog

import (
	"encoding/binary"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

const (
	// EntrySize is the fixed size of an index record.
	EntrySize = 64
	// nodeFieldSize is the width of the node field; the node fills the
	// first 20 bytes and the rest stays zero.
	nodeFieldSize = 32

	versionNG  uint32 = 1
	flagInline uint32 = 1 << 16

	// NullRev is the index of the null revision.
	NullRev = -1
)

// Entry is one index record. Offset is the position of the chunk in the
// logical data stream, i.e. the sum of all earlier CompressedLength values.
type Entry struct {
	Offset           int64
	Flags            uint16
	CompressedLength int32
	Length           int32 // full text length
	BaseRev          int32
	LinkRev          int32
	P1Rev            int32
	P2Rev            int32
	Node             revision.Node
}

// IsSnapshot reports whether the entry stores a full text.
func (e Entry) IsSnapshot(rev int) bool {
	return int(e.BaseRev) == rev
}

func (e Entry) encode(rev int) []byte {
	buf := make([]byte, EntrySize)
	binary.BigEndian.PutUint64(buf[0:], uint64(e.Offset)<<16|uint64(e.Flags))
	if rev == 0 {
		binary.BigEndian.PutUint32(buf[0:], flagInline|versionNG)
	}
	binary.BigEndian.PutUint32(buf[8:], uint32(e.CompressedLength))
	binary.BigEndian.PutUint32(buf[12:], uint32(e.Length))
	binary.BigEndian.PutUint32(buf[16:], uint32(e.BaseRev))
	binary.BigEndian.PutUint32(buf[20:], uint32(e.LinkRev))
	binary.BigEndian.PutUint32(buf[24:], uint32(e.P1Rev))
	binary.BigEndian.PutUint32(buf[28:], uint32(e.P2Rev))
	copy(buf[32:32+revision.Size], e.Node[:])
	return buf
}

func decodeEntry(buf []byte, rev int) (Entry, error) {
	var e Entry
	if len(buf) != EntrySize {
		return e, fmt.Errorf("index record of %d bytes", len(buf))
	}
	if rev == 0 {
		hdr := binary.BigEndian.Uint32(buf[0:])
		if hdr&0xFFFF != versionNG {
			return e, fmt.Errorf("unsupported revlog version %d", hdr&0xFFFF)
		}
		if hdr&flagInline == 0 {
			return e, fmt.Errorf("only inline revlogs are supported")
		}
		e.Flags = binary.BigEndian.Uint16(buf[6:])
	} else {
		v := binary.BigEndian.Uint64(buf[0:])
		e.Offset = int64(v >> 16)
		e.Flags = uint16(v)
	}
	e.CompressedLength = int32(binary.BigEndian.Uint32(buf[8:]))
	e.Length = int32(binary.BigEndian.Uint32(buf[12:]))
	e.BaseRev = int32(binary.BigEndian.Uint32(buf[16:]))
	e.LinkRev = int32(binary.BigEndian.Uint32(buf[20:]))
	e.P1Rev = int32(binary.BigEndian.Uint32(buf[24:]))
	e.P2Rev = int32(binary.BigEndian.Uint32(buf[28:]))
	copy(e.Node[:], buf[32:32+revision.Size])

	switch {
	case e.CompressedLength < 0 || e.Length < 0:
		return e, fmt.Errorf("rev %d: negative length", rev)
	case int(e.BaseRev) > rev || e.BaseRev < 0:
		return e, fmt.Errorf("rev %d: base rev %d out of range", rev, e.BaseRev)
	case int(e.P1Rev) >= rev || e.P1Rev < NullRev:
		return e, fmt.Errorf("rev %d: parent rev %d out of range", rev, e.P1Rev)
	case int(e.P2Rev) >= rev || e.P2Rev < NullRev:
		return e, fmt.Errorf("rev %d: parent rev %d out of range", rev, e.P2Rev)
	}
	return e, nil
}
