package keyValStore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// undoPrefix holds the pre-image of every key changed by the last committed
// Txn until the caller drops or restores it.
const undoPrefix = "undo/"

const (
	undoAbsent  byte = 0
	undoPresent byte = 1
)

// Txn stages writes in one badger transaction. Reads through a Txn see its
// own staged writes; other readers see nothing until Commit. Commit stores
// an undo image next to the new values so RestoreUndo can take them back
// after a crash. A Txn is not safe for concurrent use.
type Txn struct {
	k    *KeyValStore
	txn  *badger.Txn
	undo map[string][]byte
	keys []string
	done bool
}

// NewTxn starts a read-write transaction.
func (k *KeyValStore) NewTxn() *Txn {
	return &Txn{
		k:    k,
		txn:  k.badgerDB.NewTransaction(true),
		undo: make(map[string][]byte),
	}
}

var ErrTxnDone = errors.New("keyValStore: transaction already finished")

func (t *Txn) Read(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	atomic.AddUint64(&t.k.readCounter, 1)
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %q: %w", key, err)
	}
	return item.ValueCopy(nil)
}

func (t *Txn) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	atomic.AddUint64(&t.k.readCounter, 1)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var items [][2][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("error iterating prefix %q: %w", prefix, err)
		}
		items = append(items, [2][]byte{item.KeyCopy(nil), v})
	}
	return items, nil
}

// WriteBatch stages sets and deletes. A nil value deletes the key.
func (t *Txn) WriteBatch(batch [][2][]byte) error {
	if t.done {
		return ErrTxnDone
	}
	for _, kv := range batch {
		if err := t.remember(kv[0]); err != nil {
			return err
		}
		atomic.AddUint64(&t.k.writeCounter, 1)
		var err error
		if kv[1] == nil {
			err = t.txn.Delete(kv[0])
		} else {
			err = t.txn.Set(kv[0], kv[1])
		}
		if err != nil {
			return fmt.Errorf("error staging key %q: %w", kv[0], err)
		}
	}
	return nil
}

// remember records the committed value of key the first time it is staged.
func (t *Txn) remember(key []byte) error {
	if _, ok := t.undo[string(key)]; ok {
		return nil
	}
	img := []byte{undoAbsent}
	err := t.k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		img = append([]byte{undoPresent}, v...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error reading pre-image of %q: %w", key, err)
	}
	t.undo[string(key)] = img
	t.keys = append(t.keys, string(key))
	return nil
}

// Changed reports whether anything was staged.
func (t *Txn) Changed() bool {
	return len(t.keys) > 0
}

// Commit publishes the staged writes together with their undo image.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	defer t.txn.Discard()
	for _, key := range t.keys {
		if err := t.txn.Set([]byte(undoPrefix+key), t.undo[key]); err != nil {
			return fmt.Errorf("error staging undo of %q: %w", key, err)
		}
	}
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// Discard drops the staged writes. Discarding a finished Txn is a no-op.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Discard()
}

// RestoreUndo puts back the values the last committed Txn replaced and
// drops the undo image. It reports how many keys were restored.
func (k *KeyValStore) RestoreUndo() (int, error) {
	items, err := k.GetItemsWithPrefix([]byte(undoPrefix))
	if err != nil || len(items) == 0 {
		return 0, err
	}
	batch := make([][2][]byte, 0, 2*len(items))
	for _, it := range items {
		key, img := it[0][len(undoPrefix):], it[1]
		if len(img) == 0 {
			return 0, fmt.Errorf("empty undo record for %q", key)
		}
		var v []byte
		if img[0] == undoPresent {
			v = append([]byte{}, img[1:]...)
		}
		batch = append(batch, [2][]byte{key, v}, [2][]byte{it[0], nil})
	}
	if err := k.WriteBatch(batch); err != nil {
		return 0, err
	}
	return len(items), nil
}

// DropUndo forgets the undo image of the last committed Txn.
func (k *KeyValStore) DropUndo() error {
	items, err := k.GetItemsWithPrefix([]byte(undoPrefix))
	if err != nil || len(items) == 0 {
		return err
	}
	batch := make([][2][]byte, 0, len(items))
	for _, it := range items {
		batch = append(batch, [2][]byte{it[0], nil})
	}
	return k.WriteBatch(batch)
}
