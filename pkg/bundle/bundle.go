// Package bundle reads and writes changegroup streams: the changelog group,
// the manifest group, then one group per file path, each a sequence of
// length-prefixed chunks closed by an empty chunk.
//
// A chunk carries node, p1, p2, changeset link and patch base (20 bytes
// each) followed by the payload. A null patch base means the payload is the
// full text; otherwise it is a patch against the previous element of the
// same group.
package bundle

import (
	"github.com/i5heu/ouroboros-vcs/pkg/patch"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

const (
	// elementHeaderSize is node + p1 + p2 + link + patch base.
	elementHeaderSize = 5 * revision.Size
	// lengthSize is the chunk length prefix. The length counts itself.
	lengthSize = 4
	// maxChunkSize bounds a single chunk to guard against corrupt lengths.
	maxChunkSize = 1 << 30
)

// GroupElement is one revision inside a bundle group.
type GroupElement struct {
	Node          revision.Node
	P1            revision.Node
	P2            revision.Node
	ChangesetLink revision.Node
	PatchBase     revision.Node
	Payload       []byte
}

// IsSnapshot reports whether the payload is the full text.
func (e GroupElement) IsSnapshot() bool {
	return e.PatchBase.IsNull()
}

// Patch parses the payload of a delta element.
func (e GroupElement) Patch() (patch.Patch, error) {
	return patch.Parse(e.Payload)
}

// EventKind tags an Event.
type EventKind int

const (
	ChangelogStart EventKind = iota + 1
	ManifestStart
	FileStart
	Element
	GroupEnd
	End
)

func (k EventKind) String() string {
	switch k {
	case ChangelogStart:
		return "changelog"
	case ManifestStart:
		return "manifest"
	case FileStart:
		return "file"
	case Element:
		return "element"
	case GroupEnd:
		return "group-end"
	case End:
		return "end"
	}
	return "unknown"
}

// Event is one step of a bundle stream. Path is set for FileStart, Element
// for Element.
type Event struct {
	Kind    EventKind
	Path    string
	Element GroupElement
}

// Section identifies which revlog a group belongs to.
type Section int

const (
	SectionNone Section = iota
	SectionChangelog
	SectionManifest
	SectionFile
)
