package bundle

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

type readerState int

const (
	atChangelog readerState = iota
	readingChangelog
	atManifest
	readingManifest
	atFile
	readingFile
	atEnd
	done
)

// Reader decodes a bundle stream as a sequence of Events. Every chunk is
// length prefixed, so a caller that stops between events leaves the
// underlying stream at a chunk boundary.
type Reader struct {
	r           *bufio.Reader
	compression Compression
	state       readerState
	prev        revision.Node
	path        string
}

// NewReader consumes the stream header and prepares decompression.
func NewReader(r io.Reader) (*Reader, error) {
	payload, c, err := decompressor(r)
	if err != nil {
		return nil, err
	}
	return &Reader{r: bufio.NewReader(payload), compression: c}, nil
}

func (r *Reader) Compression() Compression {
	return r.compression
}

// Section reports which revlog the current group feeds.
func (r *Reader) Section() Section {
	switch r.state {
	case readingChangelog:
		return SectionChangelog
	case readingManifest:
		return SectionManifest
	case readingFile:
		return SectionFile
	}
	return SectionNone
}

// Next returns the next event. After End it returns io.EOF.
func (r *Reader) Next() (Event, error) {
	switch r.state {
	case atChangelog:
		r.state = readingChangelog
		r.prev = revision.Null
		return Event{Kind: ChangelogStart}, nil
	case atManifest:
		r.state = readingManifest
		r.prev = revision.Null
		return Event{Kind: ManifestStart}, nil
	case atFile:
		name, err := r.readChunk()
		if err != nil {
			return Event{}, err
		}
		if len(name) == 0 {
			r.state = atEnd
			return r.Next()
		}
		r.state = readingFile
		r.prev = revision.Null
		r.path = string(name)
		return Event{Kind: FileStart, Path: r.path}, nil
	case atEnd:
		r.state = done
		return Event{Kind: End}, nil
	case done:
		return Event{}, io.EOF
	}

	chunk, err := r.readChunk()
	if err != nil {
		return Event{}, err
	}
	if len(chunk) == 0 {
		switch r.state {
		case readingChangelog:
			r.state = atManifest
		case readingManifest:
			r.state = atFile
		case readingFile:
			r.state = atFile
		}
		return Event{Kind: GroupEnd, Path: r.path}, nil
	}
	el, err := r.decodeElement(chunk)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: Element, Path: r.path, Element: el}, nil
}

// Inspect drives fn over every remaining event. The context is checked
// before each event, never in the middle of one.
func (r *Reader) Inspect(ctx context.Context, fn func(Event) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return failure.Cancelled("bundle.Inspect", err)
		}
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (r *Reader) decodeElement(chunk []byte) (GroupElement, error) {
	if len(chunk) < elementHeaderSize {
		return GroupElement{}, failure.Malformed("bundle.Reader", "chunk of %d bytes shorter than element header", len(chunk))
	}
	var el GroupElement
	copy(el.Node[:], chunk[0:])
	copy(el.P1[:], chunk[revision.Size:])
	copy(el.P2[:], chunk[2*revision.Size:])
	copy(el.ChangesetLink[:], chunk[3*revision.Size:])
	copy(el.PatchBase[:], chunk[4*revision.Size:])
	el.Payload = chunk[elementHeaderSize:]

	if !el.PatchBase.IsNull() && (r.prev.IsNull() || el.PatchBase != r.prev) {
		return GroupElement{}, failure.Integrity("bundle.Reader", el.Node,
			"patch base %s is not the preceding element", el.PatchBase.Short())
	}
	r.prev = el.Node
	return el, nil
}

// readChunk returns the payload of the next chunk; an empty slice is a
// terminator.
func (r *Reader) readChunk() ([]byte, error) {
	var hdr [lengthSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, failure.Malformed("bundle.Reader", "missing chunk or terminator: %v", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n <= lengthSize {
		if n != 0 {
			return nil, failure.Malformed("bundle.Reader", "invalid chunk length %d", n)
		}
		return []byte{}, nil
	}
	if n > maxChunkSize {
		return nil, failure.Malformed("bundle.Reader", "chunk length %d exceeds limit", n)
	}
	buf := make([]byte, n-lengthSize)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, failure.Malformed("bundle.Reader", "truncated chunk of %d bytes: %v", n, err)
	}
	return buf, nil
}

// Resolver rebuilds full texts from a group's elements. Reset it at every
// group start.
type Resolver struct {
	prevNode    revision.Node
	prevContent []byte
}

func (rs *Resolver) Reset() {
	rs.prevNode = revision.Null
	rs.prevContent = nil
}

// Content returns the full text of el and remembers it as the base for the
// next element.
func (rs *Resolver) Content(el GroupElement) ([]byte, error) {
	var content []byte
	if el.IsSnapshot() {
		content = el.Payload
	} else {
		if el.PatchBase != rs.prevNode || rs.prevNode.IsNull() {
			return nil, failure.Integrity("bundle.Resolver", el.Node,
				"patch base %s not in the processed window", el.PatchBase.Short())
		}
		p, err := el.Patch()
		if err != nil {
			return nil, err
		}
		content, err = p.Apply(rs.prevContent)
		if err != nil {
			return nil, err
		}
	}
	rs.prevNode = el.Node
	rs.prevContent = content
	return content, nil
}
