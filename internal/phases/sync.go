package phases

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/dag"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// Namespace is the pushkey/listkeys namespace carrying phase data.
const Namespace = "phases"

const publishingKey = "publishing"

// RemoteView is a peer's phase state as reported by listkeys.
type RemoteView struct {
	Publishing bool
	DraftRoots revision.Set
}

// ParseRemote decodes a listkeys("phases") answer. Draft roots are listed
// as hex node to "1".
func ParseRemote(keys map[string]string) (RemoteView, error) {
	var v RemoteView
	var roots []revision.Node
	for k, val := range keys {
		if k == publishingKey {
			v.Publishing = val == "True"
			continue
		}
		n, err := revision.Parse(k)
		if err != nil {
			return RemoteView{}, failure.Protocol("phases.ParseRemote", "bad phase key %q", k)
		}
		if val != strconv.Itoa(int(Draft)) {
			return RemoteView{}, failure.Protocol("phases.ParseRemote", "unexpected phase %q for %s", val, n.Short())
		}
		roots = append(roots, n)
	}
	v.DraftRoots = revision.NewSet(roots...)
	return v, nil
}

// ListKeys renders local roots the way a peer reports them. Secret roots
// are not advertised.
func ListKeys(r Roots, publishing bool) map[string]string {
	out := make(map[string]string)
	for _, n := range r.Draft.Nodes() {
		out[n.String()] = strconv.Itoa(int(Draft))
	}
	if publishing {
		out[publishingKey] = "True"
	}
	return out
}

// PushKey applies a phase move requested by a peer. It succeeds when the
// node is already at the new phase, or is at the old phase and the move
// lowers it.
func PushKey(g Graph, r Roots, key, oldValue, newValue string) (Roots, bool) {
	node, err := revision.Parse(key)
	if err != nil {
		return r, false
	}
	if _, ok := g.Rev(node); !ok {
		return r, false
	}
	oldPhase, err1 := ParsePhase(oldValue)
	newPhase, err2 := ParsePhase(newValue)
	if err1 != nil || err2 != nil {
		return r, false
	}
	current := r.PhaseOf(g, node)
	switch {
	case current == newPhase:
		return r, true
	case current == oldPhase && newPhase < oldPhase:
		return r.Advance(g, newPhase, []revision.Node{node}), true
	}
	return r, false
}

// Synchronizer reconciles phases with one peer.
type Synchronizer struct {
	Remote peer.Remote
	Log    *logrus.Logger
}

func (s *Synchronizer) logger() *logrus.Logger {
	if s.Log == nil {
		return logrus.New()
	}
	return s.Log
}

// View fetches the peer's phase state.
func (s *Synchronizer) View(ctx context.Context) (RemoteView, error) {
	keys, err := s.Remote.Listkeys(ctx, Namespace)
	if err != nil {
		return RemoteView{}, failure.Connectivity("phases.View", err)
	}
	return ParseRemote(keys)
}

// remoteDraft returns the members of exchanged that the peer holds as
// draft, judged through the local graph.
func remoteDraft(g Graph, view RemoteView, exchanged revision.Set) revision.Set {
	if view.Publishing {
		return revision.Set{}
	}
	draft := dag.Descendants(g, revsOf(g, view.DraftRoots.Nodes()))
	draft.And(revsOf(g, exchanged.Nodes()))
	return nodesOf(g, draft)
}

// Pull returns local roots updated after pulling: every exchanged
// revision the peer holds as public becomes public locally.
func (s *Synchronizer) Pull(g Graph, local Roots, view RemoteView, exchanged revision.Set) Roots {
	public := exchanged.Subtract(remoteDraft(g, view, exchanged)).Subtract(local.SecretSet(g))
	if public.IsEmpty() {
		return local
	}
	heads := public.Heads(func(n revision.Node) (revision.Node, revision.Node) {
		rev, ok := g.Rev(n)
		if !ok {
			return revision.Null, revision.Null
		}
		p1, p2 := g.ParentRevs(rev)
		return g.Node(p1), g.Node(p2)
	})
	out := local.Advance(g, Public, heads.Nodes())
	if !out.Equal(local) {
		s.logger().WithField("heads", heads.Len()).Debug("promoted pulled revisions to public")
	}
	return out
}

// Push brings the peer's phases in line with ours after exchanged was
// pushed (exchanged holds what both sides now share). Revisions public here
// but draft there are published on the peer with pushkey, never the other
// way round. It returns local roots with every revision the peer holds as
// public promoted.
func (s *Synchronizer) Push(ctx context.Context, g Graph, local Roots, exchanged revision.Set) (Roots, error) {
	view, err := s.View(ctx)
	if err != nil {
		return local, err
	}
	secret := local.SecretSet(g)
	exchanged = exchanged.Subtract(secret)
	draftThere := remoteDraft(g, view, exchanged)

	phase := local.Compute(g)
	var outdated []revision.Node
	for _, n := range draftThere.Nodes() {
		if rev, ok := g.Rev(n); ok && phase[rev] == Public {
			outdated = append(outdated, n)
		}
	}
	outdatedRevs := revsOf(g, outdated)
	for _, rev := range dag.Revs(dag.Heads(g, outdatedRevs)) {
		n := g.Node(rev)
		if err := ctx.Err(); err != nil {
			return local, failure.Cancelled("phases.Push", err)
		}
		ok, err := s.Remote.Pushkey(ctx, Namespace, n.String(), strconv.Itoa(int(Draft)), strconv.Itoa(int(Public)))
		if err != nil {
			return local, failure.Connectivity("phases.Push", err)
		}
		if !ok {
			s.logger().WithField("node", n.Short()).Warn("peer refused phase update")
		}
	}

	publicThere := exchanged.Subtract(draftThere)
	if publicThere.IsEmpty() {
		return local, nil
	}
	return local.Advance(g, Public, publicThere.Nodes()), nil
}
