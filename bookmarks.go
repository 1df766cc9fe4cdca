package ouroboros

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/dag"
	"github.com/i5heu/ouroboros-vcs/internal/keyValStore"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// BookmarkNamespace is the pushkey/listkeys namespace for bookmarks.
const BookmarkNamespace = "bookmarks"

const bookmarkPrefix = "bookmarks/"

func bookmarkKey(name string) []byte {
	return []byte(bookmarkPrefix + name)
}

func checkBookmarkName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n:/") {
		return failure.InvalidArgument("bookmark", "invalid bookmark name %q", name)
	}
	return nil
}

// Bookmarks returns every bookmark and the changeset it points to.
func (r *Repository) Bookmarks() (map[string]revision.Node, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return readBookmarks(r.kv)
}

func readBookmarks(kv keyValStore.ReadWriter) (map[string]revision.Node, error) {
	items, err := kv.GetItemsWithPrefix([]byte(bookmarkPrefix))
	if err != nil {
		return nil, err
	}
	out := make(map[string]revision.Node, len(items))
	for _, item := range items {
		n, err := revision.FromBytes(item[1])
		if err != nil {
			return nil, failure.Integrity("bookmarks", revision.Null, "bookmark %s: %v", item[0], err)
		}
		out[strings.TrimPrefix(string(item[0]), bookmarkPrefix)] = n
	}
	return out, nil
}

// SetBookmark points name at changeset n, creating it if needed.
func (r *Repository) SetBookmark(ctx context.Context, name string, n revision.Node) error {
	if err := checkBookmarkName(name); err != nil {
		return err
	}
	return r.locked(ctx, "bookmark", func() error {
		cl, err := r.changelog()
		if err != nil {
			return err
		}
		if n.IsNull() || !cl.Has(n) {
			return failure.InvalidArgument("bookmark", "unknown revision %s", n.Short())
		}
		return r.kv.Write(bookmarkKey(name), n.Bytes())
	})
}

// DeleteBookmark removes name.
func (r *Repository) DeleteBookmark(ctx context.Context, name string) error {
	return r.locked(ctx, "bookmark", func() error {
		if _, err := r.kv.Read(bookmarkKey(name)); errors.Is(err, keyValStore.ErrNotFound) {
			return failure.InvalidArgument("bookmark", "no bookmark %q", name)
		} else if err != nil {
			return err
		}
		return r.kv.Delete(bookmarkKey(name))
	})
}

func (r *Repository) bookmarkKeys() (map[string]string, error) {
	marks, err := r.Bookmarks()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(marks))
	for name, n := range marks {
		out[name] = n.String()
	}
	return out, nil
}

// pushBookmark moves a bookmark for a peer. oldValue is the hex node the
// peer expects (empty for a new bookmark), newValue the target (empty
// deletes). The caller holds the lock.
func (r *Repository) pushBookmark(name, oldValue, newValue string) (bool, error) {
	if checkBookmarkName(name) != nil {
		return false, nil
	}
	current := ""
	if v, err := r.kv.Read(bookmarkKey(name)); err == nil {
		n, err := revision.FromBytes(v)
		if err != nil {
			return false, err
		}
		current = n.String()
	} else if !errors.Is(err, keyValStore.ErrNotFound) {
		return false, err
	}
	if current != oldValue {
		return false, nil
	}
	if newValue == "" {
		return true, r.kv.Delete(bookmarkKey(name))
	}
	n, err := revision.Parse(newValue)
	if err != nil {
		return false, nil
	}
	cl, err := r.changelog()
	if err != nil {
		return false, err
	}
	if !cl.Has(n) || n.IsNull() {
		return false, nil
	}
	return true, r.kv.Write(bookmarkKey(name), n.Bytes())
}

func isAncestor(cl *revlog.Revlog, a, b revision.Node) bool {
	ra, okA := cl.Rev(a)
	rb, okB := cl.Rev(b)
	if !okA || !okB || ra < 0 || rb < 0 {
		return false
	}
	return dag.Ancestors(cl, dag.Of(rb)).Contains(uint32(ra))
}

// pullBookmarks adopts the peer's bookmarks that point at known changesets
// and either are new here or move a local bookmark forward. The updates
// are staged in kv; the caller holds the lock.
func (r *Repository) pullBookmarks(ctx context.Context, kv keyValStore.ReadWriter, remote peer.Remote) ([]string, error) {
	keys, err := remote.Listkeys(ctx, BookmarkNamespace)
	if err != nil {
		return nil, failure.Connectivity("pull.bookmarks", err)
	}
	cl, err := r.changelog()
	if err != nil {
		return nil, err
	}
	local, err := readBookmarks(kv)
	if err != nil {
		return nil, err
	}
	var batch [][2][]byte
	var updated []string
	for name, hex := range keys {
		n, err := revision.Parse(hex)
		if err != nil || checkBookmarkName(name) != nil {
			return nil, failure.Protocol("pull.bookmarks", "bad bookmark %q -> %q", name, hex)
		}
		if !cl.Has(n) {
			continue
		}
		cur, ok := local[name]
		switch {
		case ok && cur == n:
			continue
		case ok && !isAncestor(cl, cur, n):
			r.log.WithFields(logrus.Fields{"bookmark": name, "local": cur.Short(), "remote": n.Short()}).Warn("bookmark diverged, keeping local")
			continue
		}
		batch = append(batch, [2][]byte{bookmarkKey(name), n.Bytes()})
		updated = append(updated, name)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := kv.WriteBatch(batch); err != nil {
		return nil, err
	}
	sort.Strings(updated)
	return updated, nil
}

// pushBookmarks moves the peer's bookmarks forward to local positions the
// peer now holds. Bookmarks unknown to the peer are not created.
func (r *Repository) pushBookmarks(ctx context.Context, remote peer.Remote, shared func(revision.Node) bool) ([]string, error) {
	keys, err := remote.Listkeys(ctx, BookmarkNamespace)
	if err != nil {
		return nil, failure.Connectivity("push.bookmarks", err)
	}
	cl, err := r.changelog()
	if err != nil {
		return nil, err
	}
	local, err := r.Bookmarks()
	if err != nil {
		return nil, err
	}
	var moved []string
	for name, hex := range keys {
		mine, ok := local[name]
		if !ok || mine.String() == hex || !shared(mine) {
			continue
		}
		theirs, err := revision.Parse(hex)
		if err != nil || !isAncestor(cl, theirs, mine) {
			continue
		}
		ok, err = remote.Pushkey(ctx, BookmarkNamespace, name, hex, mine.String())
		if err != nil {
			return moved, failure.Connectivity("push.bookmarks", err)
		}
		if ok {
			moved = append(moved, name)
		}
	}
	return moved, nil
}
