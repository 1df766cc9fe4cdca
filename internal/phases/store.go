package phases

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-vcs/internal/keyValStore"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

const (
	keyPrefix = "phaseroots/"
	// fieldNode is the protobuf field number of each root node.
	fieldNode protowire.Number = 1
)

func rootsKey(p Phase) []byte {
	return []byte(keyPrefix + p.String())
}

// Store persists phase roots in the key/value store or in one of its
// transactions.
type Store struct {
	kv keyValStore.ReadWriter
}

func NewStore(kv keyValStore.ReadWriter) *Store {
	return &Store{kv: kv}
}

func (s *Store) Load() (Roots, error) {
	var r Roots
	for _, p := range trackedPhases {
		data, err := s.kv.Read(rootsKey(p))
		if errors.Is(err, keyValStore.ErrNotFound) {
			continue
		}
		if err != nil {
			return Roots{}, err
		}
		set, err := decodeNodes(data)
		if err != nil {
			return Roots{}, fmt.Errorf("phase roots %s: %w", p, err)
		}
		r.set(p, set)
	}
	return r, nil
}

func (s *Store) Save(r Roots) error {
	batch := make([][2][]byte, 0, len(trackedPhases))
	for _, p := range trackedPhases {
		batch = append(batch, [2][]byte{rootsKey(p), encodeNodes(r.Of(p))})
	}
	return s.kv.WriteBatch(batch)
}

func encodeNodes(s revision.Set) []byte {
	b := make([]byte, 0, s.Len()*(revision.Size+2))
	for _, n := range s.Nodes() {
		b = protowire.AppendTag(b, fieldNode, protowire.BytesType)
		b = protowire.AppendBytes(b, n.Bytes())
	}
	// an empty set is stored as an empty, non-nil value
	if b == nil {
		b = []byte{}
	}
	return b
}

func decodeNodes(b []byte) (revision.Set, error) {
	var nodes []revision.Node
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return revision.Set{}, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldNode || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return revision.Set{}, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return revision.Set{}, protowire.ParseError(n)
		}
		b = b[n:]
		node, err := revision.FromBytes(v)
		if err != nil {
			return revision.Set{}, err
		}
		nodes = append(nodes, node)
	}
	return revision.NewSet(nodes...), nil
}
