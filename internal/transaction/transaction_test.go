package transaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return NewManager(dir, l), dir
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRollbackRestoresLengthsAndRemovesNewFiles(t *testing.T) {
	m, dir := quietManager(t)
	existing := filepath.Join(dir, "existing.i")
	created := filepath.Join(dir, "created.i")
	appendTo(t, existing, "before")

	tx, err := m.Begin(existing)
	require.NoError(t, err)
	require.NoError(t, tx.Track(created))
	appendTo(t, existing, " and after")
	appendTo(t, created, "new")
	// tracking again keeps the first recorded length
	require.NoError(t, tx.Track(existing))
	assert.Equal(t, []string{existing, created}, tx.Files())

	require.NoError(t, tx.Rollback())
	assert.Equal(t, "before", readString(t, existing))
	_, err = os.Stat(created)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, JournalName))
	assert.True(t, os.IsNotExist(err), "journal must be gone")
	assert.False(t, m.Pending())
}

func TestCommitKeepsWrites(t *testing.T) {
	m, dir := quietManager(t)
	path := filepath.Join(dir, "f.i")
	tx, err := m.Begin(path)
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID())
	appendTo(t, path, "data")
	require.NoError(t, tx.Commit())

	assert.Equal(t, "data", readString(t, path))
	assert.ErrorIs(t, tx.Commit(), ErrFinished)
	assert.ErrorIs(t, tx.Rollback(), ErrFinished)
	assert.ErrorIs(t, tx.Track(path), ErrFinished)
}

func TestNestedTransactionRejected(t *testing.T) {
	m, _ := quietManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)
	_, err = m.Begin()
	assert.ErrorIs(t, err, ErrNested)
	_, err = m.Recover()
	assert.ErrorIs(t, err, ErrNested)
	require.NoError(t, tx.Commit())

	tx, err = m.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
}

func TestBeginUndoesPartialTracking(t *testing.T) {
	m, dir := quietManager(t)
	first := filepath.Join(dir, "first.i")
	appendTo(t, first, "x")
	notDir := filepath.Join(dir, "plain")
	appendTo(t, notDir, "")

	_, err := m.Begin(first, filepath.Join(notDir, "child.i"))
	require.Error(t, err)
	assert.False(t, m.Pending())

	// the manager is usable again
	tx, err := m.Begin(first)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, "x", readString(t, first))
}

func TestRecoverReplaysLeftoverJournal(t *testing.T) {
	m, dir := quietManager(t)
	existing := filepath.Join(dir, "a.i")
	created := filepath.Join(dir, "b.i")
	appendTo(t, existing, "keep")

	tx, err := m.Begin(existing, created)
	require.NoError(t, err)
	appendTo(t, existing, "drop")
	appendTo(t, created, "drop")
	// simulate a crash: the journal stays on disk
	require.NoError(t, tx.journal.Close())

	fresh := NewManager(dir, m.log)
	assert.True(t, fresh.Pending())
	_, err = fresh.Begin()
	assert.Error(t, err, "a stale journal blocks new transactions")

	recovered, err := fresh.Recover()
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, "keep", readString(t, existing))
	_, err = os.Stat(created)
	assert.True(t, os.IsNotExist(err))

	recovered, err = fresh.Recover()
	require.NoError(t, err)
	assert.False(t, recovered)
}

func TestParseJournalSkipsTornLine(t *testing.T) {
	records, err := parseJournal([]byte("a\x0010\nb\x00-1\nc\x00"))
	require.NoError(t, err)
	assert.Equal(t, []record{{path: "a", length: 10}, {path: "b", length: absent}}, records)
}
