package revlog

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/patch"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// DefaultSnapshotRatio: a patch longer than this fraction of the full text
// is stored as a snapshot instead.
const DefaultSnapshotRatio = 0.75

// DefaultMinCompressionGain is the number of bytes compression must save
// before the compressed form is stored.
const DefaultMinCompressionGain = 8

type WriterConfig struct {
	SnapshotRatio float64
	// MaxChainLength caps the number of deltas after a snapshot; 0 means
	// no cap.
	MaxChainLength     int
	Engine             Engine
	MinCompressionGain int
	Logger             *logrus.Logger
}

func (c *WriterConfig) applyDefaults() {
	if c.SnapshotRatio <= 0 {
		c.SnapshotRatio = DefaultSnapshotRatio
	}
	if c.Engine == nil {
		c.Engine = zlibEngine{}
	}
	if c.MinCompressionGain < 0 {
		c.MinCompressionGain = 0
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Tracker is told about a file before the first byte is written to it, so
// the enclosing transaction can restore it.
type Tracker interface {
	Track(path string) error
}

// LinkResolver maps a changeset node to its changelog index.
type LinkResolver func(changeset revision.Node) (int, bool)

// Writer appends revisions to a Revlog. A nil LinkResolver marks the
// changelog itself, whose link revision is always its own index.
type Writer struct {
	rl      *Revlog
	cfg     WriterConfig
	links   LinkResolver
	tracker Tracker

	file    *os.File
	tipText []byte
	tipRev  int
}

func NewWriter(rl *Revlog, tracker Tracker, links LinkResolver, cfg WriterConfig) *Writer {
	cfg.applyDefaults()
	return &Writer{rl: rl, cfg: cfg, links: links, tracker: tracker, tipRev: NullRev}
}

func (w *Writer) Revlog() *Revlog {
	return w.rl
}

// AddElement appends a bundle element whose full text the caller already
// resolved. The element's patch is reused when it is against the current
// tip. It returns the revision index and whether it was newly added.
func (w *Writer) AddElement(el bundle.GroupElement, content []byte) (int, bool, error) {
	if rev, ok := w.rl.Rev(el.Node); ok {
		return rev, false, nil
	}
	link, err := w.resolveLink(el)
	if err != nil {
		return 0, false, err
	}
	var hint []byte
	if !el.IsSnapshot() {
		hint = el.Payload
	}
	rev, err := w.add(el.Node, el.P1, el.P2, link, content, el.PatchBase, hint)
	if err != nil {
		return 0, false, err
	}
	return rev, true, nil
}

// AddText appends a new revision with an explicit link revision and returns
// its node. An identical existing revision is returned unchanged.
func (w *Writer) AddText(p1, p2 revision.Node, link int, content []byte) (revision.Node, int, error) {
	node := revision.Hash(p1, p2, content)
	if rev, ok := w.rl.Rev(node); ok {
		return node, rev, nil
	}
	rev, err := w.add(node, p1, p2, link, content, revision.Null, nil)
	return node, rev, err
}

func (w *Writer) resolveLink(el bundle.GroupElement) (int, error) {
	if w.links == nil {
		if el.ChangesetLink != el.Node {
			return 0, failure.Integrity("revlog.AddElement", el.Node, "changelog entry links to %s", el.ChangesetLink.Short())
		}
		return w.rl.Len(), nil
	}
	link, ok := w.links(el.ChangesetLink)
	if !ok {
		return 0, failure.Integrity("revlog.AddElement", el.Node, "changeset %s not in changelog", el.ChangesetLink.Short())
	}
	return link, nil
}

func (w *Writer) add(node, p1, p2 revision.Node, link int, content []byte, hintBase revision.Node, hint []byte) (int, error) {
	p1rev, ok := w.rl.Rev(p1)
	if !ok {
		return 0, failure.Integrity("revlog.add", node, "%s: parent %s not found", w.rl.path, p1.Short())
	}
	p2rev, ok := w.rl.Rev(p2)
	if !ok {
		return 0, failure.Integrity("revlog.add", node, "%s: parent %s not found", w.rl.path, p2.Short())
	}
	if got := revision.Hash(p1, p2, content); got != node {
		return 0, failure.Integrity("revlog.add", node, "%s: content digest is %s", w.rl.path, got.Short())
	}

	rev := w.rl.Len()
	var data []byte
	base := rev
	if rev > 0 {
		tip := rev - 1
		tipEntry, err := w.rl.Entry(tip)
		if err != nil {
			return 0, err
		}
		var delta []byte
		if hint != nil && hintBase == tipEntry.Node {
			delta = hint
		} else {
			tipText, err := w.tipContent(tip)
			if err != nil {
				return 0, err
			}
			delta = patch.Diff(tipText, content).Bytes()
		}
		if !w.preferSnapshot(len(delta), len(content), rev-int(tipEntry.BaseRev)) {
			data = delta
			base = int(tipEntry.BaseRev)
		}
	}
	if base == rev {
		data = content
	}

	chunk, err := pack(w.cfg.Engine, data, w.cfg.MinCompressionGain)
	if err != nil {
		return 0, err
	}
	if err := w.append(Entry{
		Flags:            0,
		CompressedLength: int32(len(chunk)),
		Length:           int32(len(content)),
		BaseRev:          int32(base),
		LinkRev:          int32(link),
		P1Rev:            int32(p1rev),
		P2Rev:            int32(p2rev),
		Node:             node,
	}, chunk); err != nil {
		return 0, err
	}
	w.tipRev, w.tipText = rev, content

	w.cfg.Logger.WithFields(logrus.Fields{
		"revlog":   w.rl.path,
		"rev":      rev,
		"node":     node.Short(),
		"snapshot": base == rev,
		"stored":   humanize.Bytes(uint64(len(chunk))),
	}).Debug("revision appended")
	return rev, nil
}

// preferSnapshot decides whether a revision whose delta against the tip is
// deltaLen bytes is stored in full. chainLen is the number of deltas the
// entry would sit behind its base.
func (w *Writer) preferSnapshot(deltaLen, textLen, chainLen int) bool {
	if w.cfg.MaxChainLength > 0 && chainLen > w.cfg.MaxChainLength {
		return true
	}
	return float64(deltaLen) > w.cfg.SnapshotRatio*float64(textLen)
}

func (w *Writer) tipContent(tip int) ([]byte, error) {
	if w.tipRev == tip {
		return w.tipText, nil
	}
	return w.rl.Content(tip)
}

// append writes header and chunk in one write, then publishes the entry.
func (w *Writer) append(e Entry, chunk []byte) error {
	if w.file == nil {
		if w.tracker != nil {
			if err := w.tracker.Track(w.rl.path); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(w.rl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open revlog %s for append: %w", w.rl.path, err)
		}
		w.file = f
	}

	w.rl.mu.Lock()
	defer w.rl.mu.Unlock()

	rev := len(w.rl.entries)
	var offset int64
	if rev > 0 {
		prev := w.rl.entries[rev-1]
		offset = prev.Offset + int64(prev.CompressedLength)
	}
	e.Offset = offset

	buf := make([]byte, 0, EntrySize+len(chunk))
	buf = append(buf, e.encode(rev)...)
	buf = append(buf, chunk...)
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("append to %s: %w", w.rl.path, err)
	}

	w.rl.entries = append(w.rl.entries, e)
	w.rl.positions = append(w.rl.positions, w.rl.size+EntrySize)
	w.rl.nodes[e.Node] = rev
	w.rl.size += int64(len(buf))
	return nil
}

// Close syncs and releases the file handle.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", w.rl.path, err)
	}
	return f.Close()
}
