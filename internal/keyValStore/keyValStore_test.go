package keyValStore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KeyValStore {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	kv, err := NewKeyValStore(StoreConfig{Paths: []string{t.TempDir()}, Logger: l})
	require.NoError(t, err)
	return kv
}

func TestReadWriteDelete(t *testing.T) {
	kv := newTestStore(t)
	defer kv.Close()

	_, err := kv.Read([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Write([]byte("k"), []byte("v")))
	v, err := kv.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, kv.Delete([]byte("k")))
	_, err = kv.Read([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	reads, writes := kv.Stats()
	assert.Equal(t, uint64(3), reads)
	assert.Equal(t, uint64(2), writes)
}

func TestBatchAndPrefix(t *testing.T) {
	kv := newTestStore(t)
	defer kv.Close()

	require.NoError(t, kv.WriteBatch([][2][]byte{
		{[]byte("p/b"), []byte("2")},
		{[]byte("p/a"), []byte("1")},
		{[]byte("q/a"), []byte("x")},
	}))
	items, err := kv.GetItemsWithPrefix([]byte("p/"))
	require.NoError(t, err)
	assert.Equal(t, [][2][]byte{{[]byte("p/a"), []byte("1")}, {[]byte("p/b"), []byte("2")}}, items)

	require.NoError(t, kv.WriteBatch([][2][]byte{{[]byte("p/a"), nil}}))
	items, err = kv.GetItemsWithPrefix([]byte("p/"))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewKeyValStore(StoreConfig{Paths: []string{dir}})
	require.NoError(t, err)
	require.NoError(t, kv.Write([]byte("k"), []byte("v")))
	require.NoError(t, kv.Close())

	kv, err = NewKeyValStore(StoreConfig{Paths: []string{dir}})
	require.NoError(t, err)
	defer kv.Close()
	v, err := kv.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestConfigChecks(t *testing.T) {
	_, err := NewKeyValStore(StoreConfig{})
	assert.Error(t, err)

	_, err = NewKeyValStore(StoreConfig{Paths: []string{filepath.Join(t.TempDir(), "nope")}})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewKeyValStore(StoreConfig{Paths: []string{file}})
	assert.Error(t, err)

	// nobody has an exabyte free
	_, err = NewKeyValStore(StoreConfig{Paths: []string{t.TempDir()}, MinimumFreeSpace: 1 << 40})
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestTxnStagesUntilCommit(t *testing.T) {
	kv := newTestStore(t)
	defer kv.Close()
	require.NoError(t, kv.Write([]byte("p/a"), []byte("old")))

	txn := kv.NewTxn()
	require.NoError(t, txn.WriteBatch([][2][]byte{
		{[]byte("p/a"), nil},
		{[]byte("p/b"), []byte("new")},
	}))
	assert.True(t, txn.Changed())
	_, err := txn.Read([]byte("p/a"))
	assert.ErrorIs(t, err, ErrNotFound)
	items, err := txn.GetItemsWithPrefix([]byte("p/"))
	require.NoError(t, err)
	assert.Equal(t, [][2][]byte{{[]byte("p/b"), []byte("new")}}, items)

	// nothing is visible outside the transaction yet
	v, err := kv.Read([]byte("p/a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
	_, err = kv.Read([]byte("p/b"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, txn.Commit())
	assert.ErrorIs(t, txn.Commit(), ErrTxnDone)
	_, err = kv.Read([]byte("p/a"))
	assert.ErrorIs(t, err, ErrNotFound)
	v, err = kv.Read([]byte("p/b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)

	restored, err := kv.RestoreUndo()
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	v, err = kv.Read([]byte("p/a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
	_, err = kv.Read([]byte("p/b"))
	assert.ErrorIs(t, err, ErrNotFound)

	restored, err = kv.RestoreUndo()
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestTxnDiscardAndDropUndo(t *testing.T) {
	kv := newTestStore(t)
	defer kv.Close()

	txn := kv.NewTxn()
	require.NoError(t, txn.WriteBatch([][2][]byte{{[]byte("k"), []byte("v")}}))
	txn.Discard()
	_, err := kv.Read([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, txn.WriteBatch([][2][]byte{{[]byte("k"), []byte("v")}}), ErrTxnDone)

	txn = kv.NewTxn()
	assert.False(t, txn.Changed())
	require.NoError(t, txn.WriteBatch([][2][]byte{{[]byte("k"), []byte("v1")}}))
	require.NoError(t, txn.WriteBatch([][2][]byte{{[]byte("k"), []byte("v2")}}))
	require.NoError(t, txn.Commit())
	txn.Discard()

	require.NoError(t, kv.DropUndo())
	undo, err := kv.GetItemsWithPrefix([]byte(undoPrefix))
	require.NoError(t, err)
	assert.Empty(t, undo)
	restored, err := kv.RestoreUndo()
	require.NoError(t, err)
	assert.Zero(t, restored)
	v, err := kv.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}
