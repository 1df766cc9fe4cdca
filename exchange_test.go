package ouroboros

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vcs/internal/phases"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/internal/testutil"
	"github.com/i5heu/ouroboros-vcs/internal/transaction"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

func cloneOf(t *testing.T, src *Repository, conf Config) *Repository {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = testutil.Logger()
	}
	r, _, err := Clone(context.Background(), NewLocalPeer(src), t.TempDir(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func requireSameFile(t *testing.T, a, b string) {
	t.Helper()
	da, err := os.ReadFile(a)
	require.NoError(t, err)
	db, err := os.ReadFile(b)
	require.NoError(t, err)
	require.Equal(t, da, db, "%s differs", filepath.Base(a))
}

// requireSameStore checks that every revlog of b is byte for byte the one
// of a.
func requireSameStore(t *testing.T, a, b *Repository) {
	t.Helper()
	requireSameFile(t, a.store.ChangelogPath(), b.store.ChangelogPath())
	requireSameFile(t, a.store.ManifestPath(), b.store.ManifestPath())
	fa, err := a.Files()
	require.NoError(t, err)
	fb, err := b.Files()
	require.NoError(t, err)
	require.Equal(t, fa, fb)
	for _, path := range fa {
		requireSameFile(t, a.store.FilePath(path), b.store.FilePath(path))
	}
}

func TestCloneIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	src := newRepo(t, Config{})
	a := lines(40, "a")
	c0 := commitFiles(t, src, "base", map[string]string{"a.txt": a, "b.txt": "hello\n", "dir/x.bin": "\x00\x01\x02"})
	c1 := commitFiles(t, src, "edit", map[string]string{"a.txt": edit(a, 5, "five")})
	c2, err := src.Commit(ctx, CommitRequest{
		User: "bob", Time: testTime, Message: "swap",
		Files:   map[string][]byte{"c.txt": []byte(lines(5, "c"))},
		Removed: []string{"b.txt"},
	})
	require.NoError(t, err)
	c3 := commitFiles(t, src, "branch", map[string]string{"a.txt": edit(a, 30, "thirty")}, c1)
	merged := edit(edit(a, 5, "five"), 30, "thirty")
	commitFiles(t, src, "merge", map[string]string{"a.txt": merged}, c2, c3)
	commitFiles(t, src, "rewrite", map[string]string{"a.txt": lines(40, "completely different")})
	_ = c0

	dst := cloneOf(t, src, Config{})
	requireSameStore(t, src, dst)

	for _, r := range []*Repository{src, dst} {
		rep, err := r.Verify(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, rep.Changesets)
	}
	want, err := src.Log(0)
	require.NoError(t, err)
	got, err := dst.Log(0)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Node, got[i].Node)
		assert.Equal(t, want[i].Description, got[i].Description)
	}

	// pulling again is a no-op
	res, err := dst.Pull(ctx, NewLocalPeer(src))
	require.NoError(t, err)
	assert.Empty(t, res.Applied.Changesets)
	assert.True(t, res.Discovery.Missing.IsEmpty())
	requireSameStore(t, src, dst)
}

func TestPullAppendsMissingChain(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	text := lines(30, "f")
	a := commitFiles(t, remote, "A", map[string]string{"f.txt": text})
	local := cloneOf(t, remote, Config{})

	b := commitFiles(t, remote, "B", map[string]string{"f.txt": edit(text, 12, "bee")})
	c := commitFiles(t, remote, "C", map[string]string{"f.txt": lines(30, "completely different")})

	inc, err := local.Incoming(ctx, NewLocalPeer(remote))
	require.NoError(t, err)
	assert.True(t, inc.Missing.Equal(revision.NewSet(b, c)), "missing %s", inc.Missing)
	assert.True(t, inc.MissingRoots.Contains(b))
	assert.True(t, inc.Common.Contains(a))

	res, err := local.Pull(ctx, NewLocalPeer(remote))
	require.NoError(t, err)
	assert.Equal(t, []revision.Node{b, c}, res.Applied.Changesets)

	cl, err := local.changelog()
	require.NoError(t, err)
	mf, err := local.manifest()
	require.NoError(t, err)
	fl, err := local.store.File("f.txt")
	require.NoError(t, err)

	for _, rl := range []*revlog.Revlog{cl, mf, fl} {
		require.Equal(t, 3, rl.Len(), rl.Path())
		for rev := 1; rev <= 2; rev++ {
			e, err := rl.Entry(rev)
			require.NoError(t, err)
			prev, err := rl.Entry(rev - 1)
			require.NoError(t, err)
			if !e.IsSnapshot(rev) {
				assert.Equal(t, prev.BaseRev, e.BaseRev, "%s rev %d extends the chain of its predecessor", rl.Path(), rev)
			}
			assert.Equal(t, int32(rev), e.LinkRev, "%s rev %d", rl.Path(), rev)
		}
	}
	eb, err := fl.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, int32(0), eb.BaseRev, "a one line edit is stored as a delta")
	ec, err := fl.Entry(2)
	require.NoError(t, err)
	assert.True(t, ec.IsSnapshot(2), "a full rewrite is stored as a snapshot")

	got, err := local.Cat(c, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, lines(30, "completely different"), string(got))
	requireSameStore(t, remote, local)
}

func TestOutgoingExcludesSecret(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	commitFiles(t, remote, "base", map[string]string{"a.txt": "a\n"})
	local := cloneOf(t, remote, Config{})

	pub := commitFiles(t, local, "shared", map[string]string{"a.txt": "b\n"})
	hidden := commitFiles(t, local, "hidden", map[string]string{"a.txt": "c\n"})
	require.NoError(t, local.SetPhase(ctx, phases.Secret, []revision.Node{hidden}, true))

	out, err := local.Outgoing(ctx, NewLocalPeer(remote))
	require.NoError(t, err)
	assert.True(t, out.Equal(revision.NewSet(pub)), "outgoing %s", out)

	res, err := local.Push(ctx, NewLocalPeer(remote), PushOptions{})
	require.NoError(t, err)
	assert.Equal(t, []revision.Node{pub}, res.Pushed)
	heads, err := remote.Heads()
	require.NoError(t, err)
	assert.Equal(t, []revision.Node{pub}, heads)
	p, err := local.Phase(hidden)
	require.NoError(t, err)
	assert.Equal(t, phases.Secret, p)

	// a secret head is not offered to pullers either
	other := cloneOf(t, local, Config{})
	otherHeads, err := other.Heads()
	require.NoError(t, err)
	assert.Equal(t, []revision.Node{pub}, otherHeads)
}

func TestPhasesFollowPull(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	c0 := commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})
	c1 := commitFiles(t, remote, "two", map[string]string{"a.txt": "2\n"})

	local := cloneOf(t, remote, Config{})
	for _, n := range []revision.Node{c0, c1} {
		p, err := local.Phase(n)
		require.NoError(t, err)
		assert.Equal(t, phases.Draft, p)
	}

	require.NoError(t, remote.SetPhase(ctx, phases.Public, []revision.Node{c0}, false))
	_, err := local.Pull(ctx, NewLocalPeer(remote))
	require.NoError(t, err)
	p, _ := local.Phase(c0)
	assert.Equal(t, phases.Public, p)
	p, _ = local.Phase(c1)
	assert.Equal(t, phases.Draft, p)
}

func TestPublishingRemote(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{Phases: PhaseConfig{Publish: true}})
	c0 := commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})

	local := cloneOf(t, remote, Config{})
	p, err := local.Phase(c0)
	require.NoError(t, err)
	assert.Equal(t, phases.Public, p, "everything a publishing peer serves is public")

	c1 := commitFiles(t, local, "two", map[string]string{"a.txt": "2\n"})
	p, _ = local.Phase(c1)
	assert.Equal(t, phases.Draft, p)
	_, err = local.Push(ctx, NewLocalPeer(remote), PushOptions{})
	require.NoError(t, err)

	p, _ = remote.Phase(c1)
	assert.Equal(t, phases.Public, p)
	p, _ = local.Phase(c1)
	assert.Equal(t, phases.Public, p, "pushing to a publishing peer publishes locally")
}

func TestPushPublishesOnPeer(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})
	local := cloneOf(t, remote, Config{})
	c1 := commitFiles(t, local, "two", map[string]string{"a.txt": "2\n"})

	res, err := local.Push(ctx, NewLocalPeer(remote), PushOptions{})
	require.NoError(t, err)
	assert.Equal(t, []revision.Node{c1}, res.Pushed)
	p, _ := remote.Phase(c1)
	assert.Equal(t, phases.Draft, p)

	require.NoError(t, local.SetPhase(ctx, phases.Public, []revision.Node{c1}, false))
	res, err = local.Push(ctx, NewLocalPeer(remote), PushOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Pushed)
	p, _ = remote.Phase(c1)
	assert.Equal(t, phases.Public, p)
}

func TestPushRefusesWhenBehind(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})
	local := cloneOf(t, remote, Config{})
	commitFiles(t, remote, "theirs", map[string]string{"a.txt": "theirs\n"})
	mine := commitFiles(t, local, "mine", map[string]string{"a.txt": "mine\n"})

	_, err := local.Push(ctx, NewLocalPeer(remote), PushOptions{})
	assert.ErrorIs(t, err, failure.ErrInvalidArgument)

	res, err := local.Push(ctx, NewLocalPeer(remote), PushOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []revision.Node{mine}, res.Pushed)
	heads, err := remote.Heads()
	require.NoError(t, err)
	assert.Len(t, heads, 2)
}

// racingPeer lets another writer commit on the peer right before a pushed
// bundle arrives.
type racingPeer struct {
	*LocalPeer
	race func()
}

func (p racingPeer) Unbundle(ctx context.Context, src io.Reader, expectedHeads []revision.Node) error {
	p.race()
	return p.LocalPeer.Unbundle(ctx, src, expectedHeads)
}

func TestPushDetectsRemoteChange(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})
	local := cloneOf(t, remote, Config{})
	mine := commitFiles(t, local, "mine", map[string]string{"b.txt": "mine\n"})

	var theirs revision.Node
	rp := racingPeer{LocalPeer: NewLocalPeer(remote), race: func() {
		theirs = commitFiles(t, remote, "theirs", map[string]string{"c.txt": "theirs\n"})
	}}
	_, err := local.Push(ctx, rp, PushOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrRemoteChanged)

	heads, err := remote.Heads()
	require.NoError(t, err)
	assert.Equal(t, []revision.Node{theirs}, heads)
	cl, err := remote.changelog()
	require.NoError(t, err)
	assert.False(t, cl.Has(mine))

	err = NewLocalPeer(remote).Unbundle(ctx, nil, nil)
	assert.ErrorIs(t, err, peer.ErrRemoteChanged)
}

func TestBookmarksTravel(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	c0 := commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})
	require.NoError(t, remote.SetBookmark(ctx, "main", c0))

	local := cloneOf(t, remote, Config{})
	marks, err := local.Bookmarks()
	require.NoError(t, err)
	assert.Equal(t, map[string]revision.Node{"main": c0}, marks)

	c1 := commitFiles(t, remote, "two", map[string]string{"a.txt": "2\n"})
	require.NoError(t, remote.SetBookmark(ctx, "main", c1))
	res, err := local.Pull(ctx, NewLocalPeer(remote))
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, res.Bookmarks)

	c2 := commitFiles(t, local, "three", map[string]string{"a.txt": "3\n"})
	require.NoError(t, local.SetBookmark(ctx, "main", c2))
	require.NoError(t, local.SetBookmark(ctx, "local-only", c2))
	pushed, err := local.Push(ctx, NewLocalPeer(remote), PushOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, pushed.Bookmarks)

	remoteMarks, err := remote.Bookmarks()
	require.NoError(t, err)
	assert.Equal(t, map[string]revision.Node{"main": c2}, remoteMarks)
}

func TestDivergedBookmarkIsKept(t *testing.T) {
	ctx := context.Background()
	remote := newRepo(t, Config{})
	c0 := commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})
	local := cloneOf(t, remote, Config{})

	theirs := commitFiles(t, remote, "theirs", map[string]string{"a.txt": "theirs\n"})
	require.NoError(t, remote.SetBookmark(ctx, "main", theirs))
	mine := commitFiles(t, local, "mine", map[string]string{"a.txt": "mine\n"}, c0)
	require.NoError(t, local.SetBookmark(ctx, "main", mine))

	res, err := local.Pull(ctx, NewLocalPeer(remote))
	require.NoError(t, err)
	assert.Empty(t, res.Bookmarks)
	marks, err := local.Bookmarks()
	require.NoError(t, err)
	assert.Equal(t, mine, marks["main"])
}

func TestLocalPeerListkeys(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, Config{Phases: PhaseConfig{Publish: true}})
	p := NewLocalPeer(r)
	caps, err := p.Capabilities(ctx)
	require.NoError(t, err)
	assert.Contains(t, caps, "pushkey")

	keys, err := p.Listkeys(ctx, phases.Namespace)
	require.NoError(t, err)
	assert.Equal(t, "True", keys["publishing"])

	keys, err = p.Listkeys(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, keys)
	ok, err := p.Pushkey(ctx, "unknown", "k", "", "v")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloneFailureLeavesNothing(t *testing.T) {
	remote := newRepo(t, Config{})
	commitFiles(t, remote, "one", map[string]string{"a.txt": "1\n"})
	require.NoError(t, remote.Close())

	dest := t.TempDir()
	_, _, err := Clone(context.Background(), NewLocalPeer(remote), dest, testConfig())
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(dest, MetaDir))
	assert.True(t, os.IsNotExist(err))
}

// brokenListkeys fails one listkeys namespace, either with a transport
// error or by cancelling the caller's context.
type brokenListkeys struct {
	*LocalPeer
	namespace string
	cancel    context.CancelFunc
}

func (p brokenListkeys) Listkeys(ctx context.Context, namespace string) (map[string]string, error) {
	if namespace != p.namespace {
		return p.LocalPeer.Listkeys(ctx, namespace)
	}
	if p.cancel != nil {
		p.cancel()
		return nil, ctx.Err()
	}
	return nil, errors.New("connection reset")
}

type repoState struct {
	sizes     map[string]int64
	phases    map[revision.Node]phases.Phase
	bookmarks map[string]revision.Node
}

func stateOf(t *testing.T, r *Repository) repoState {
	t.Helper()
	entries, err := r.Log(0)
	require.NoError(t, err)
	ph := make(map[revision.Node]phases.Phase, len(entries))
	for _, e := range entries {
		ph[e.Node] = e.Phase
	}
	marks, err := r.Bookmarks()
	require.NoError(t, err)
	return repoState{sizes: storeSizes(t, r), phases: ph, bookmarks: marks}
}

func TestFailedPullLeavesNoTrace(t *testing.T) {
	cases := []struct {
		name      string
		namespace string
		cancel    bool
		kind      error
	}{
		{"bookmarks unreachable", BookmarkNamespace, false, failure.ErrConnectivity},
		{"cancelled while reading bookmarks", BookmarkNamespace, true, failure.ErrCancelled},
		{"phases unreachable", phases.Namespace, false, failure.ErrConnectivity},
		{"cancelled while reading phases", phases.Namespace, true, failure.ErrCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			remote := newRepo(t, Config{})
			c0 := commitFiles(t, remote, "base", map[string]string{"a.txt": lines(10, "a")})
			local := cloneOf(t, remote, Config{})
			require.NoError(t, local.SetBookmark(ctx, "mine", c0))

			// the pull would publish c0, add c1 and move both bookmarks
			require.NoError(t, remote.SetPhase(ctx, phases.Public, []revision.Node{c0}, false))
			c1 := commitFiles(t, remote, "next", map[string]string{"a.txt": lines(12, "b")})
			require.NoError(t, remote.SetBookmark(ctx, "main", c1))
			require.NoError(t, remote.SetBookmark(ctx, "mine", c1))

			before := stateOf(t, local)
			pullCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			broken := brokenListkeys{LocalPeer: NewLocalPeer(remote), namespace: tc.namespace}
			if tc.cancel {
				broken.cancel = cancel
			}
			_, err := local.Pull(pullCtx, broken)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)

			assert.Equal(t, before, stateOf(t, local))
			p, err := local.Phase(c0)
			require.NoError(t, err)
			assert.Equal(t, phases.Draft, p)
			_, err = os.Stat(filepath.Join(local.store.Dir(), transaction.JournalName))
			assert.True(t, os.IsNotExist(err))

			res, err := local.Pull(ctx, NewLocalPeer(remote))
			require.NoError(t, err)
			assert.Equal(t, []revision.Node{c1}, res.Applied.Changesets)
			assert.Equal(t, []string{"main", "mine"}, res.Bookmarks)
			p, _ = local.Phase(c0)
			assert.Equal(t, phases.Public, p)
			_, err = local.Verify(ctx)
			require.NoError(t, err)
		})
	}
}
