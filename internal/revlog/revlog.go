// Package revlog stores the history of one logical stream (changelog,
// manifest, or a single file) as an append-only sequence of index records,
// each immediately followed by its chunk: either a full snapshot or a patch
// against the previous revision.
package revlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/patch"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// ErrUnknownRevision is returned for lookups of revisions not in the log.
var ErrUnknownRevision = errors.New("revlog: unknown revision")

// Revlog is a read view of one revlog file. It is safe for concurrent
// readers; a Writer appends through it.
type Revlog struct {
	path string

	mu      sync.RWMutex
	entries []Entry
	// positions[i] is the file offset of revision i's chunk.
	positions []int64
	nodes     map[revision.Node]int
	size      int64

	cacheRev  int
	cacheText []byte
}

// Open reads the index of the revlog at path. A missing file is an empty
// revlog.
func Open(path string) (*Revlog, error) {
	rl := &Revlog{path: path, nodes: make(map[revision.Node]int), cacheRev: NullRev}
	if err := rl.load(); err != nil {
		return nil, err
	}
	return rl, nil
}

func (rl *Revlog) load() error {
	f, err := os.Open(rl.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open revlog %s: %w", rl.path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var pos int64
	var dataOffset int64
	hdr := make([]byte, EntrySize)
	for rev := 0; ; rev++ {
		_, err := io.ReadFull(br, hdr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return failure.Integrity("revlog.Open", revision.Null, "%s: truncated record %d: %v", rl.path, rev, err)
		}
		e, err := decodeEntry(hdr, rev)
		if err != nil {
			return failure.Integrity("revlog.Open", revision.Null, "%s: %v", rl.path, err)
		}
		if e.Offset != dataOffset {
			return failure.Integrity("revlog.Open", e.Node, "%s: rev %d offset %d, expected %d", rl.path, rev, e.Offset, dataOffset)
		}
		pos += EntrySize
		if _, err := br.Discard(int(e.CompressedLength)); err != nil {
			return failure.Integrity("revlog.Open", e.Node, "%s: truncated chunk of rev %d", rl.path, rev)
		}
		rl.entries = append(rl.entries, e)
		rl.positions = append(rl.positions, pos)
		rl.nodes[e.Node] = rev
		pos += int64(e.CompressedLength)
		dataOffset += int64(e.CompressedLength)
	}
	rl.size = pos
	return nil
}

// Reload discards in-memory state and reads the file again. Used after a
// rollback truncated the file.
func (rl *Revlog) Reload() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.entries = nil
	rl.positions = nil
	rl.nodes = make(map[revision.Node]int)
	rl.size = 0
	rl.cacheRev = NullRev
	rl.cacheText = nil
	return rl.load()
}

func (rl *Revlog) Path() string {
	return rl.path
}

func (rl *Revlog) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.entries)
}

// Size is the byte length of the file as far as complete entries go.
func (rl *Revlog) Size() int64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.size
}

func (rl *Revlog) Entry(rev int) (Entry, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rev < 0 || rev >= len(rl.entries) {
		return Entry{}, fmt.Errorf("%w: rev %d of %s", ErrUnknownRevision, rev, rl.path)
	}
	return rl.entries[rev], nil
}

func (rl *Revlog) Node(rev int) revision.Node {
	if rev == NullRev {
		return revision.Null
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rev < 0 || rev >= len(rl.entries) {
		return revision.Null
	}
	return rl.entries[rev].Node
}

// Rev returns the index of node. The null node maps to NullRev.
func (rl *Revlog) Rev(node revision.Node) (int, bool) {
	if node.IsNull() {
		return NullRev, true
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	rev, ok := rl.nodes[node]
	return rev, ok
}

func (rl *Revlog) Has(node revision.Node) bool {
	_, ok := rl.Rev(node)
	return ok
}

// ParentRevs returns the parent indices of rev.
func (rl *Revlog) ParentRevs(rev int) (int, int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rev < 0 || rev >= len(rl.entries) {
		return NullRev, NullRev
	}
	e := rl.entries[rev]
	return int(e.P1Rev), int(e.P2Rev)
}

// Parents returns the parent nodes of node. Unknown nodes have null parents.
func (rl *Revlog) Parents(node revision.Node) (revision.Node, revision.Node) {
	rev, ok := rl.Rev(node)
	if !ok || rev == NullRev {
		return revision.Null, revision.Null
	}
	p1, p2 := rl.ParentRevs(rev)
	return rl.Node(p1), rl.Node(p2)
}

func (rl *Revlog) LinkRev(rev int) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rev < 0 || rev >= len(rl.entries) {
		return NullRev
	}
	return int(rl.entries[rev].LinkRev)
}

// Heads returns the revisions no other revision names as parent.
func (rl *Revlog) Heads() []int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	isParent := make([]bool, len(rl.entries))
	for _, e := range rl.entries {
		if e.P1Rev != NullRev {
			isParent[e.P1Rev] = true
		}
		if e.P2Rev != NullRev {
			isParent[e.P2Rev] = true
		}
	}
	var heads []int
	for rev := range rl.entries {
		if !isParent[rev] {
			heads = append(heads, rev)
		}
	}
	return heads
}

// RawChunk returns the stored bytes of rev exactly as on disk.
func (rl *Revlog) RawChunk(rev int) ([]byte, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.rawChunkLocked(rev)
}

func (rl *Revlog) rawChunkLocked(rev int) ([]byte, error) {
	if rev < 0 || rev >= len(rl.entries) {
		return nil, fmt.Errorf("%w: rev %d of %s", ErrUnknownRevision, rev, rl.path)
	}
	f, err := os.Open(rl.path)
	if err != nil {
		return nil, fmt.Errorf("open revlog %s: %w", rl.path, err)
	}
	defer f.Close()
	buf := make([]byte, rl.entries[rev].CompressedLength)
	if _, err := f.ReadAt(buf, rl.positions[rev]); err != nil {
		return nil, failure.Integrity("revlog.RawChunk", rl.entries[rev].Node, "%s: read rev %d: %v", rl.path, rev, err)
	}
	return buf, nil
}

// Chunk returns the decompressed stored data of rev: a full text for
// snapshots, an encoded patch otherwise.
func (rl *Revlog) Chunk(rev int) ([]byte, error) {
	raw, err := rl.RawChunk(rev)
	if err != nil {
		return nil, err
	}
	data, err := unpack(raw)
	if err != nil {
		return nil, failure.Integrity("revlog.Chunk", rl.Node(rev), "%s: rev %d: %v", rl.path, rev, err)
	}
	return data, nil
}

// Content rebuilds the full text of rev from its base snapshot and the
// deltas after it, and verifies the node digest.
func (rl *Revlog) Content(rev int) ([]byte, error) {
	rl.mu.RLock()
	if rev < 0 || rev >= len(rl.entries) {
		rl.mu.RUnlock()
		return nil, fmt.Errorf("%w: rev %d of %s", ErrUnknownRevision, rev, rl.path)
	}
	if rl.cacheRev == rev {
		text := rl.cacheText
		rl.mu.RUnlock()
		return text, nil
	}
	e := rl.entries[rev]
	base := int(e.BaseRev)
	start := base
	var text []byte
	cached := false
	if rl.cacheRev > base && rl.cacheRev < rev {
		start = rl.cacheRev + 1
		text = rl.cacheText
		cached = true
	}
	chain := make([][]byte, 0, rev-start+1)
	for r := start; r <= rev; r++ {
		raw, err := rl.rawChunkLocked(r)
		if err != nil {
			rl.mu.RUnlock()
			return nil, err
		}
		data, err := unpack(raw)
		if err != nil {
			rl.mu.RUnlock()
			return nil, failure.Integrity("revlog.Content", rl.entries[r].Node, "%s: rev %d: %v", rl.path, r, err)
		}
		chain = append(chain, data)
	}
	p1, p2 := rl.nodeLocked(int(e.P1Rev)), rl.nodeLocked(int(e.P2Rev))
	rl.mu.RUnlock()

	if !cached {
		text, chain = chain[0], chain[1:]
	}
	text, err := patch.Fold(text, chain...)
	if err != nil {
		return nil, err
	}
	if int32(len(text)) != e.Length {
		return nil, failure.Integrity("revlog.Content", e.Node, "%s: rev %d has %d bytes, index says %d", rl.path, rev, len(text), e.Length)
	}
	if got := revision.Hash(p1, p2, text); got != e.Node {
		return nil, failure.Integrity("revlog.Content", e.Node, "%s: rev %d digest %s", rl.path, rev, got.Short())
	}

	rl.mu.Lock()
	rl.cacheRev, rl.cacheText = rev, text
	rl.mu.Unlock()
	return text, nil
}

// ContentOf is Content by node.
func (rl *Revlog) ContentOf(node revision.Node) ([]byte, error) {
	rev, ok := rl.Rev(node)
	if !ok || rev == NullRev {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownRevision, node.Short(), rl.path)
	}
	return rl.Content(rev)
}

func (rl *Revlog) nodeLocked(rev int) revision.Node {
	if rev < 0 || rev >= len(rl.entries) {
		return revision.Null
	}
	return rl.entries[rev].Node
}

// Verify rebuilds every revision and checks digests, parent order and that
// link revisions are accepted by linkOK. A nil linkOK skips the link check.
func (rl *Revlog) Verify(linkOK func(rev, link int) bool) error {
	n := rl.Len()
	for rev := 0; rev < n; rev++ {
		e, err := rl.Entry(rev)
		if err != nil {
			return err
		}
		if int(e.P1Rev) >= rev || int(e.P2Rev) >= rev {
			return failure.Integrity("revlog.Verify", e.Node, "%s: rev %d has a parent after it", rl.path, rev)
		}
		if linkOK != nil && !linkOK(rev, int(e.LinkRev)) {
			return failure.Integrity("revlog.Verify", e.Node, "%s: rev %d has bad link rev %d", rl.path, rev, e.LinkRev)
		}
		if _, err := rl.Content(rev); err != nil {
			return err
		}
	}
	return nil
}
