package ouroboros

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/changelog"
	"github.com/i5heu/ouroboros-vcs/internal/revlog"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// CommitRequest describes a new changeset. There is no working directory:
// the caller passes the full content of every added or modified file.
type CommitRequest struct {
	Files   map[string][]byte
	Removed []string
	User    string
	// Time defaults to now.
	Time    time.Time
	Message string
	// Parents defaults to the changelog tip. At most two.
	Parents []revision.Node
}

// Commit records a changeset and returns its node. Files not mentioned in
// the request keep their content from the first parent; in a merge, files
// only the second parent has are carried over too.
func (r *Repository) Commit(ctx context.Context, req CommitRequest) (revision.Node, error) {
	if strings.TrimSpace(req.User) == "" {
		return revision.Null, failure.InvalidArgument("commit", "user is required")
	}
	if len(req.Parents) > 2 {
		return revision.Null, failure.InvalidArgument("commit", "%d parents, at most 2 allowed", len(req.Parents))
	}
	for path := range req.Files {
		if err := checkPath(path); err != nil {
			return revision.Null, err
		}
	}
	if req.Time.IsZero() {
		req.Time = time.Now()
	}

	var node revision.Node
	err := r.transact(ctx, "commit", func(tx *repoTx) error {
		ws := r.newWriters(tx.Tx)
		var err error
		node, err = r.commit(tx, ws, req)
		return errors.Join(err, ws.close())
	})
	if err != nil {
		return revision.Null, err
	}
	return node, nil
}

func (r *Repository) commit(tx *repoTx, ws *writers, req CommitRequest) (revision.Node, error) {
	cl, err := r.changelog()
	if err != nil {
		return revision.Null, err
	}
	mf, err := r.manifest()
	if err != nil {
		return revision.Null, err
	}

	p1, p2 := revision.Null, revision.Null
	switch len(req.Parents) {
	case 0:
		p1 = cl.Node(cl.Len() - 1)
	case 1:
		p1 = req.Parents[0]
	case 2:
		p1, p2 = req.Parents[0], req.Parents[1]
		if p1 == p2 {
			p2 = revision.Null
		}
	}
	for _, p := range []revision.Node{p1, p2} {
		if !cl.Has(p) {
			return revision.Null, failure.InvalidArgument("commit", "unknown parent %s", p.Short())
		}
	}

	m1, err := r.manifestAt(cl, mf, p1)
	if err != nil {
		return revision.Null, err
	}
	m2, err := r.manifestAt(cl, mf, p2)
	if err != nil {
		return revision.Null, err
	}
	next := m1.Clone()
	for path, n := range m2 {
		if _, ok := next[path]; !ok {
			next[path] = n
		}
	}

	link := cl.Len()
	paths := make([]string, 0, len(req.Files))
	for path := range req.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var touched []string
	for _, path := range paths {
		fl, err := r.store.File(path)
		if err != nil {
			return revision.Null, err
		}
		fp1, fp2 := m1[path], m2[path]
		if fp1.IsNull() {
			fp1, fp2 = fp2, revision.Null
		}
		if fp1 == fp2 {
			fp2 = revision.Null
		}
		fnode, _, err := ws.get(fl, changelogLinks(cl)).AddText(fp1, fp2, link, req.Files[path])
		if err != nil {
			return revision.Null, err
		}
		if old, ok := m1[path]; !ok || old != fnode || !p2.IsNull() {
			touched = append(touched, path)
		}
		next[path] = fnode
	}
	for _, path := range req.Removed {
		if _, ok := next[path]; !ok {
			return revision.Null, failure.InvalidArgument("commit", "cannot remove untracked file %q", path)
		}
		delete(next, path)
		touched = append(touched, path)
	}
	if len(touched) == 0 && p2.IsNull() {
		return revision.Null, failure.InvalidArgument("commit", "nothing changed")
	}

	mp1, mp2 := manifestNodeOf(cl, p1), manifestNodeOf(cl, p2)
	if mp1 == mp2 {
		mp2 = revision.Null
	}
	mnode, _, err := ws.get(mf, changelogLinks(cl)).AddText(mp1, mp2, link, next.Format())
	if err != nil {
		return revision.Null, err
	}

	text, err := changelog.Changeset{
		Manifest:    mnode,
		User:        req.User,
		Time:        req.Time,
		Files:       touched,
		Description: req.Message,
	}.Format()
	if err != nil {
		return revision.Null, failure.InvalidArgument("commit", "%v", err)
	}
	node, rev, err := ws.get(cl, nil).AddText(p1, p2, link, text)
	if err != nil {
		return revision.Null, err
	}
	if rev != link {
		// identical changeset already recorded
		return node, nil
	}

	roots, err := tx.phases.Load()
	if err != nil {
		return revision.Null, err
	}
	if err := tx.phases.Save(roots.RetractBoundary(cl, r.newPhase, []revision.Node{node})); err != nil {
		return revision.Null, err
	}
	r.log.WithFields(logrus.Fields{
		"node":  node.Short(),
		"rev":   rev,
		"files": len(touched),
		"phase": r.newPhase,
	}).Info("committed changeset")
	return node, nil
}

// manifestAt returns the manifest of changeset n; the null node has an
// empty manifest.
func (r *Repository) manifestAt(cl, mf *revlog.Revlog, n revision.Node) (changelog.Manifest, error) {
	if n.IsNull() {
		return changelog.Manifest{}, nil
	}
	cs, err := readChangeset(cl, n)
	if err != nil {
		return nil, err
	}
	if cs.Manifest.IsNull() {
		return changelog.Manifest{}, nil
	}
	text, err := mf.ContentOf(cs.Manifest)
	if err != nil {
		return nil, err
	}
	m, err := changelog.ParseManifest(text)
	if err != nil {
		return nil, failure.Integrity("manifest", cs.Manifest, "%v", err)
	}
	return m, nil
}

func readChangeset(cl *revlog.Revlog, n revision.Node) (changelog.Changeset, error) {
	text, err := cl.ContentOf(n)
	if err != nil {
		return changelog.Changeset{}, err
	}
	cs, err := changelog.Parse(text)
	if err != nil {
		return changelog.Changeset{}, failure.Integrity("changelog", n, "%v", err)
	}
	return cs, nil
}

func manifestNodeOf(cl *revlog.Revlog, n revision.Node) revision.Node {
	if n.IsNull() {
		return revision.Null
	}
	text, err := cl.ContentOf(n)
	if err != nil {
		return revision.Null
	}
	cs, err := changelog.Parse(text)
	if err != nil {
		return revision.Null
	}
	return cs.Manifest
}

// checkPath rejects paths that cannot be stored in a manifest or that
// escape the repository.
func checkPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.ContainsAny(path, "\x00\n\r") {
		return failure.InvalidArgument("commit", "invalid path %q", path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." || part == MetaDir {
			return failure.InvalidArgument("commit", "invalid path %q", path)
		}
	}
	return nil
}
