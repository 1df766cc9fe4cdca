package phases

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vcs/internal/keyValStore"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

type testGraph struct {
	parents [][2]int
	nodes   []revision.Node
	revs    map[revision.Node]int
}

// newGraph builds nodes from a parent table; index -1 is null.
func newGraph(parents ...[2]int) *testGraph {
	g := &testGraph{parents: parents, revs: map[revision.Node]int{}}
	for i, p := range parents {
		n := revision.Hash(g.Node(p[0]), g.Node(p[1]), []byte{byte(i)})
		g.nodes = append(g.nodes, n)
		g.revs[n] = i
	}
	return g
}

func (g *testGraph) Len() int { return len(g.parents) }

func (g *testGraph) ParentRevs(rev int) (int, int) { return g.parents[rev][0], g.parents[rev][1] }

func (g *testGraph) Node(rev int) revision.Node {
	if rev < 0 || rev >= len(g.nodes) {
		return revision.Null
	}
	return g.nodes[rev]
}

func (g *testGraph) Rev(n revision.Node) (int, bool) {
	if n.IsNull() {
		return -1, true
	}
	r, ok := g.revs[n]
	return r, ok
}

func (g *testGraph) set(revs ...int) revision.Set {
	var out []revision.Node
	for _, r := range revs {
		out = append(out, g.nodes[r])
	}
	return revision.NewSet(out...)
}

// linear 0-1-2-3 with a branch 1-4-5
func sampleGraph() *testGraph {
	return newGraph([2]int{-1, -1}, [2]int{0, -1}, [2]int{1, -1}, [2]int{2, -1}, [2]int{1, -1}, [2]int{4, -1})
}

func TestComputeAndMembers(t *testing.T) {
	g := sampleGraph()
	r := Roots{Draft: g.set(2), Secret: g.set(5)}
	assert.Equal(t, []Phase{Public, Public, Draft, Draft, Public, Secret}, r.Compute(g))
	assert.True(t, r.Members(g, Public).Equal(g.set(0, 1, 4)))
	assert.True(t, r.Members(g, Draft).Equal(g.set(2, 3)))
	assert.True(t, r.Members(g, Secret).Equal(g.set(5)))
	assert.True(t, r.SecretSet(g).Equal(g.set(5)))
	assert.Equal(t, Draft, r.PhaseOf(g, g.nodes[3]))
	assert.Equal(t, Public, r.PhaseOf(g, revision.Hash(revision.Null, revision.Null, []byte("unknown"))))
}

func TestAdvance(t *testing.T) {
	g := sampleGraph()
	r := Roots{Draft: g.set(1)}
	out := r.Advance(g, Public, []revision.Node{g.nodes[2]})
	assert.Equal(t, []Phase{Public, Public, Public, Draft, Draft, Draft}, out.Compute(g))
	assert.True(t, out.Draft.Equal(g.set(3, 4)))

	// advancing never raises
	assert.True(t, out.Advance(g, Draft, []revision.Node{g.nodes[0]}).Equal(out))

	s := Roots{Secret: g.set(4)}
	moved := s.Advance(g, Draft, []revision.Node{g.nodes[4]})
	assert.Equal(t, []Phase{Public, Public, Public, Public, Draft, Secret}, moved.Compute(g))
}

func TestRetractBoundary(t *testing.T) {
	g := sampleGraph()
	var r Roots
	out := r.RetractBoundary(g, Draft, []revision.Node{g.nodes[4]})
	assert.Equal(t, []Phase{Public, Public, Public, Public, Draft, Draft}, out.Compute(g))

	// never lowers
	sec := Roots{Secret: g.set(4)}
	assert.True(t, sec.RetractBoundary(g, Draft, []revision.Node{g.nodes[5]}).Equal(sec))
	assert.True(t, r.RetractBoundary(g, Public, g.nodes).Equal(r))
}

func TestStoreRoundTrip(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{Paths: []string{t.TempDir()}, Logger: l})
	require.NoError(t, err)
	defer kv.Close()

	s := NewStore(kv)
	empty, err := s.Load()
	require.NoError(t, err)
	assert.True(t, empty.Draft.IsEmpty())

	g := sampleGraph()
	want := Roots{Draft: g.set(2, 4), Secret: g.set(5)}
	require.NoError(t, s.Save(want))
	got, err := s.Load()
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	require.NoError(t, s.Save(Roots{}))
	got, err = s.Load()
	require.NoError(t, err)
	assert.True(t, got.Equal(Roots{}))

	_, err = decodeNodes([]byte{0x0a, 0x03, 1, 2, 3})
	assert.Error(t, err)
}

func TestParseRemoteAndListKeys(t *testing.T) {
	g := sampleGraph()
	r := Roots{Draft: g.set(3), Secret: g.set(5)}
	keys := ListKeys(r, true)
	assert.Equal(t, map[string]string{g.nodes[3].String(): "1", "publishing": "True"}, keys)

	v, err := ParseRemote(keys)
	require.NoError(t, err)
	assert.True(t, v.Publishing)
	assert.True(t, v.DraftRoots.Equal(g.set(3)))

	_, err = ParseRemote(map[string]string{"nothex": "1"})
	assert.ErrorIs(t, err, failure.ErrProtocol)
	_, err = ParseRemote(map[string]string{g.nodes[1].String(): "2"})
	assert.ErrorIs(t, err, failure.ErrProtocol)
}

func TestPushKey(t *testing.T) {
	g := sampleGraph()
	r := Roots{Draft: g.set(2)}
	out, ok := PushKey(g, r, g.nodes[3].String(), "1", "0")
	assert.True(t, ok)
	assert.Equal(t, Public, out.PhaseOf(g, g.nodes[3]))

	_, ok = PushKey(g, out, g.nodes[3].String(), "1", "0")
	assert.True(t, ok, "already public")

	_, ok = PushKey(g, r, g.nodes[0].String(), "0", "1")
	assert.False(t, ok, "never downgrade")
	_, ok = PushKey(g, r, "zz", "1", "0")
	assert.False(t, ok)
}

// phasePeer answers the phase namespace only.
type phasePeer struct {
	peer.Remote
	keys   map[string]string
	pushed []string
	err    error
}

func (p *phasePeer) Listkeys(_ context.Context, ns string) (map[string]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.keys, nil
}

func (p *phasePeer) Pushkey(_ context.Context, ns, key, old, new string) (bool, error) {
	p.pushed = append(p.pushed, ns+":"+key+":"+old+">"+new)
	return true, nil
}

func quietSync(p peer.Remote) *Synchronizer {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return &Synchronizer{Remote: p, Log: l}
}

func TestPullPromotesRemotePublic(t *testing.T) {
	g := sampleGraph()
	local := Roots{Draft: g.set(1)}
	s := quietSync(&phasePeer{})

	// remote holds 3 as draft; 0..2 and the branch are public there
	view := RemoteView{DraftRoots: g.set(3)}
	out := s.Pull(g, local, view, g.set(0, 1, 2, 3, 4, 5))
	assert.Equal(t, []Phase{Public, Public, Public, Draft, Public, Public}, out.Compute(g))

	out = s.Pull(g, local, RemoteView{Publishing: true}, g.set(0, 1, 2, 3))
	assert.Equal(t, []Phase{Public, Public, Public, Public, Draft, Draft}, out.Compute(g))
}

func TestPushPublishesOnPeer(t *testing.T) {
	g := sampleGraph()
	// 0..3 public locally; branch is draft
	local := Roots{Draft: g.set(4)}
	p := &phasePeer{keys: map[string]string{g.nodes[1].String(): "1"}}
	s := quietSync(p)

	out, err := s.Push(context.Background(), g, local, g.set(0, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, []string{"phases:" + g.nodes[3].String() + ":1>0"}, p.pushed)
	// 4 and 5 stay draft both sides
	assert.Equal(t, []Phase{Public, Public, Public, Public, Draft, Draft}, out.Compute(g))
}

func TestPushNeverSendsSecret(t *testing.T) {
	g := sampleGraph()
	local := Roots{Secret: g.set(4)}
	p := &phasePeer{keys: map[string]string{g.nodes[4].String(): "1"}}
	out, err := quietSync(p).Push(context.Background(), g, local, g.set(0, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	assert.Empty(t, p.pushed)
	assert.True(t, out.SecretSet(g).Equal(g.set(4, 5)))
}

func TestPushReportsConnectivity(t *testing.T) {
	g := sampleGraph()
	p := &phasePeer{err: io.ErrUnexpectedEOF}
	_, err := quietSync(p).Push(context.Background(), g, Roots{}, g.set(0))
	assert.ErrorIs(t, err, failure.ErrConnectivity)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
