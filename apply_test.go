package ouroboros

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vcs/internal/transaction"
	"github.com/i5heu/ouroboros-vcs/pkg/bundle"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// applyFixture returns a target repository and an uncompressed changegroup
// holding the three changesets its source has on top of it.
func applyFixture(t *testing.T) (*Repository, *Repository, []byte) {
	t.Helper()
	ctx := context.Background()
	src := newRepo(t, Config{})
	a := lines(30, "a")
	commitFiles(t, src, "base", map[string]string{"a.txt": a, "b.txt": "b\n"})

	dst, _, err := Clone(ctx, NewLocalPeer(src), t.TempDir(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	commitFiles(t, src, "one", map[string]string{"a.txt": edit(a, 4, "one")})
	commitFiles(t, src, "two", map[string]string{"a.txt": edit(a, 9, "two"), "c.txt": "c\n"})
	commitFiles(t, src, "three", map[string]string{"b.txt": lines(10, "b")})

	bases, err := dst.Heads()
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = src.ChangegroupSubset(ctx, &buf, bundle.None, bases, nil)
	require.NoError(t, err)
	return src, dst, buf.Bytes()
}

// corruptElement re-encodes a bundle, flipping a byte of the node of the
// n-th element (1-based). Later patch bases follow the new node so the
// stream stays well formed. It returns the number of elements.
func corruptElement(t *testing.T, data []byte, n int) ([]byte, int) {
	t.Helper()
	rd, err := bundle.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var out bytes.Buffer
	w, err := bundle.NewWriter(&out, bundle.None)
	require.NoError(t, err)

	renamed := make(map[revision.Node]revision.Node)
	count := 0
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		switch ev.Kind {
		case bundle.ChangelogStart:
			err = w.BeginChangelog()
		case bundle.ManifestStart:
			err = w.BeginManifest()
		case bundle.FileStart:
			err = w.BeginFile(ev.Path)
		case bundle.GroupEnd:
			err = w.EndGroup()
		case bundle.End:
			err = w.Close()
		case bundle.Element:
			count++
			el := ev.Element
			if to, ok := renamed[el.PatchBase]; ok {
				el.PatchBase = to
			}
			if count == n {
				orig := el.Node
				el.Node[revision.Size-1] ^= 0xff
				renamed[orig] = el.Node
			}
			err = w.WriteElement(el)
		}
		require.NoError(t, err)
	}
	return out.Bytes(), count
}

func TestApplyRollsBackOnIntegrityFailure(t *testing.T) {
	_, _, clean := applyFixture(t)
	_, total := corruptElement(t, clean, 0)
	require.Greater(t, total, 6)

	for _, n := range []int{1, 3, 4, total} {
		n := n
		t.Run(fmt.Sprintf("element %d", n), func(t *testing.T) {
			_, dst, data := applyFixture(t)
			bad, _ := corruptElement(t, data, n)
			before := storeSizes(t, dst)
			heads, err := dst.Heads()
			require.NoError(t, err)

			_, err = dst.Apply(context.Background(), bytes.NewReader(bad))
			require.Error(t, err)
			assert.ErrorIs(t, err, failure.ErrIntegrity, "element %d", n)

			assert.Equal(t, before, storeSizes(t, dst))
			_, err = os.Stat(filepath.Join(dst.store.Dir(), transaction.JournalName))
			assert.True(t, os.IsNotExist(err), "journal removed")
			after, err := dst.Heads()
			require.NoError(t, err)
			assert.Equal(t, heads, after)
			_, err = dst.Verify(context.Background())
			require.NoError(t, err)

			res, err := dst.Apply(context.Background(), bytes.NewReader(data))
			require.NoError(t, err, "the intact bundle still applies")
			assert.Len(t, res.Changesets, 3)
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	src, dst, data := applyFixture(t)
	ctx := context.Background()
	res, err := dst.Apply(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, res.Changesets, 3)
	assert.Equal(t, res.Elements, res.Revisions)

	sizes := storeSizes(t, dst)
	res, err = dst.Apply(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Empty(t, res.Changesets)
	assert.Zero(t, res.Revisions)
	assert.Equal(t, sizes, storeSizes(t, dst))

	want, err := src.Heads()
	require.NoError(t, err)
	got, err := dst.Heads()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestApplyRejectsMalformedStreams(t *testing.T) {
	_, dst, data := applyFixture(t)
	before := storeSizes(t, dst)

	_, err := dst.Apply(context.Background(), bytes.NewReader([]byte("HG99??garbage")))
	assert.ErrorIs(t, err, failure.ErrMalformedBundle)

	_, err = dst.Apply(context.Background(), bytes.NewReader(data[:len(data)/2]))
	assert.ErrorIs(t, err, failure.ErrMalformedBundle)
	assert.Equal(t, before, storeSizes(t, dst))
}

type cancelOnRead struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c cancelOnRead) Read(p []byte) (int, error) {
	c.cancel()
	return c.r.Read(p)
}

func TestApplyCancelled(t *testing.T) {
	_, dst, data := applyFixture(t)
	before := storeSizes(t, dst)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := dst.Apply(ctx, cancelOnRead{r: bytes.NewReader(data), cancel: cancel})
	require.Error(t, err)
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, storeSizes(t, dst))

	_, err = dst.Verify(context.Background())
	require.NoError(t, err)
}

func TestBundleFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, dst, _ := applyFixture(t)
	bases, err := dst.Heads()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "changes.hg")
	n, err := src.Bundle(ctx, path, bases, nil)
	require.NoError(t, err)
	assert.Positive(t, n)

	f, err := os.Open(path)
	require.NoError(t, err)
	rd, err := bundle.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, bundle.XZ, rd.Compression())
	require.NoError(t, f.Close())

	res, err := dst.Unbundle(ctx, path)
	require.NoError(t, err)
	assert.Len(t, res.Changesets, 3)
	_, err = dst.Verify(ctx)
	require.NoError(t, err)

	_, err = dst.Unbundle(ctx, filepath.Join(t.TempDir(), "missing.hg"))
	assert.ErrorIs(t, err, failure.ErrInvalidArgument)
}
