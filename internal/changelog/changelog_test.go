package changelog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

func TestChangesetRoundTrip(t *testing.T) {
	m := revision.Hash(revision.Null, revision.Null, []byte("manifest"))
	when := time.Unix(1700000000, 0).In(time.FixedZone("", 3600))
	c := Changeset{
		Manifest:    m,
		User:        "Jane Doe <jane@example.com>",
		Time:        when,
		Files:       []string{"b.txt", "a/c.go"},
		Description: "first line\n\nbody with\nnewlines",
	}
	text, err := c.Format()
	require.NoError(t, err)
	assert.Equal(t, m.String()+"\nJane Doe <jane@example.com>\n1700000000 -3600\na/c.go\nb.txt\n\nfirst line\n\nbody with\nnewlines", string(text))

	got, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, m, got.Manifest)
	assert.Equal(t, c.User, got.User)
	assert.True(t, when.Equal(got.Time))
	_, offset := got.Time.Zone()
	assert.Equal(t, 3600, offset)
	assert.Equal(t, []string{"a/c.go", "b.txt"}, got.Files)
	assert.Equal(t, c.Description, got.Description)
}

func TestChangesetWithoutFiles(t *testing.T) {
	c := Changeset{User: "u", Time: time.Unix(0, 0).UTC()}
	text, err := c.Format()
	require.NoError(t, err)
	got, err := Parse(text)
	require.NoError(t, err)
	assert.Nil(t, got.Files)
	assert.Equal(t, "", got.Description)
}

func TestChangesetRejects(t *testing.T) {
	_, err := Changeset{User: "a\nb"}.Format()
	assert.Error(t, err)
	_, err = Changeset{Files: []string{""}}.Format()
	assert.Error(t, err)

	for _, bad := range []string{"", "nohdr", "zz\nu\n0 0\n\n", revision.Null.String() + "\nu\nx 0\n\n", revision.Null.String() + "\nu\n\n"} {
		_, err := Parse([]byte(bad))
		assert.True(t, errors.Is(err, ErrMalformed), "%q", bad)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := Manifest{
		"z.txt":     revision.Hash(revision.Null, revision.Null, []byte("z")),
		"a/b/c.txt": revision.Hash(revision.Null, revision.Null, []byte("c")),
	}
	text := m.Format()
	assert.Equal(t, "a/b/c.txt\x00"+m["a/b/c.txt"].String()+"\nz.txt\x00"+m["z.txt"].String()+"\n", string(text))

	got, err := ParseManifest(text)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	clone := got.Clone()
	delete(clone, "z.txt")
	assert.Len(t, got, 2)

	empty, err := ParseManifest(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseManifest([]byte("a\x00zz\n"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ParseManifest([]byte("noterminator"))
	assert.ErrorIs(t, err, ErrMalformed)
}
