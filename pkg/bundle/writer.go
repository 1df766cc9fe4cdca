package bundle

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

type writerState int

const (
	wantChangelog writerState = iota
	inChangelog
	wantManifest
	inManifest
	wantFile
	inFile
	closed
)

// Writer produces a bundle stream. Groups must be opened in order:
// changelog, manifest, then any number of files.
type Writer struct {
	comp  io.WriteCloser
	state writerState
	prev  revision.Node
	count int
}

func NewWriter(w io.Writer, c Compression) (*Writer, error) {
	if _, err := io.WriteString(w, c.Magic()); err != nil {
		return nil, fmt.Errorf("write bundle header: %w", err)
	}
	comp, err := compressor(w, c)
	if err != nil {
		return nil, err
	}
	return &Writer{comp: comp}, nil
}

func (w *Writer) BeginChangelog() error {
	if w.state != wantChangelog {
		return failure.Malformed("bundle.Writer", "changelog group must come first")
	}
	w.state = inChangelog
	w.prev = revision.Null
	return nil
}

func (w *Writer) BeginManifest() error {
	if w.state != wantManifest {
		return failure.Malformed("bundle.Writer", "manifest group must follow the changelog group")
	}
	w.state = inManifest
	w.prev = revision.Null
	return nil
}

func (w *Writer) BeginFile(path string) error {
	if w.state != wantFile {
		return failure.Malformed("bundle.Writer", "file group %q opened out of order", path)
	}
	if path == "" {
		return failure.Malformed("bundle.Writer", "empty file path")
	}
	if err := w.writeChunk([]byte(path)); err != nil {
		return err
	}
	w.state = inFile
	w.prev = revision.Null
	return nil
}

// WriteElement appends el to the open group. A non-null patch base must be
// the element written just before it.
func (w *Writer) WriteElement(el GroupElement) error {
	if w.state != inChangelog && w.state != inManifest && w.state != inFile {
		return failure.Malformed("bundle.Writer", "element %s outside a group", el.Node.Short())
	}
	if !el.PatchBase.IsNull() && (w.prev.IsNull() || el.PatchBase != w.prev) {
		return failure.Integrity("bundle.Writer", el.Node, "patch base %s is not the preceding element", el.PatchBase.Short())
	}
	buf := make([]byte, 0, elementHeaderSize+len(el.Payload))
	buf = append(buf, el.Node[:]...)
	buf = append(buf, el.P1[:]...)
	buf = append(buf, el.P2[:]...)
	buf = append(buf, el.ChangesetLink[:]...)
	buf = append(buf, el.PatchBase[:]...)
	buf = append(buf, el.Payload...)
	if err := w.writeChunk(buf); err != nil {
		return err
	}
	w.prev = el.Node
	w.count++
	return nil
}

// EndGroup closes the open group.
func (w *Writer) EndGroup() error {
	var next writerState
	switch w.state {
	case inChangelog:
		next = wantManifest
	case inManifest:
		next = wantFile
	case inFile:
		next = wantFile
	default:
		return failure.Malformed("bundle.Writer", "no open group to end")
	}
	if err := w.writeTerminator(); err != nil {
		return err
	}
	w.state = next
	return nil
}

// Close finishes the file list and flushes compression. Missing changelog
// or manifest groups are written empty.
func (w *Writer) Close() error {
	if w.state == closed {
		return nil
	}
	for w.state != wantFile {
		switch w.state {
		case wantChangelog:
			w.state = inChangelog
		case wantManifest:
			w.state = inManifest
		}
		if err := w.EndGroup(); err != nil {
			return err
		}
	}
	if err := w.writeTerminator(); err != nil {
		return err
	}
	w.state = closed
	if err := w.comp.Close(); err != nil {
		return fmt.Errorf("flush bundle: %w", err)
	}
	return nil
}

// Elements returns how many elements were written.
func (w *Writer) Elements() int {
	return w.count
}

func (w *Writer) writeChunk(payload []byte) error {
	var hdr [lengthSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)+lengthSize))
	if _, err := w.comp.Write(hdr[:]); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if _, err := w.comp.Write(payload); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

func (w *Writer) writeTerminator() error {
	var hdr [lengthSize]byte
	if _, err := w.comp.Write(hdr[:]); err != nil {
		return fmt.Errorf("write group terminator: %w", err)
	}
	return nil
}
