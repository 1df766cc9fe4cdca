// Package discovery finds which revisions a remote repository has that the
// local one lacks, and the reverse, without transferring full history.
//
// The remote is asked for its heads, then for the linear segments
// ("branches") below unknown nodes. Segments whose root is known locally
// are bisected with "between" samples taken at first-parent distances
// 1, 2, 4, ... until the first unknown node above a known one is found.
// Finally every missing range is completed with further "between" queries.
package discovery

import (
	"context"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/internal/dag"
	"github.com/i5heu/ouroboros-vcs/pkg/failure"
	"github.com/i5heu/ouroboros-vcs/pkg/peer"
	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// DefaultBatchSize is the number of nodes or ranges sent per request.
const DefaultBatchSize = 10

// Graph is the local changelog.
type Graph interface {
	dag.Graph
	Node(rev int) revision.Node
	Rev(node revision.Node) (int, bool)
}

type Config struct {
	BatchSize int
	// Secret holds local secret nodes. They are never reported as common
	// or outgoing.
	Secret revision.Set
	Logger *logrus.Logger
}

// BranchChain is a linear segment under bisection: Bottom is known
// locally, Top is not. Each bisection step that leaves a gap adds a child
// with a narrower range.
type BranchChain struct {
	Head     revision.Node
	Top      revision.Node
	Bottom   revision.Node
	Children []*BranchChain
}

// Result of a discovery run.
type Result struct {
	// Common holds locally known nodes at the frontier with the remote,
	// including remote heads known locally.
	Common revision.Set
	// Missing is every node only the remote has.
	Missing revision.Set
	// MissingRoots are the earliest missing nodes; they are the roots to
	// request a changegroup for.
	MissingRoots revision.Set
	RemoteHeads  revision.Set
	Chains       []*BranchChain
	RoundTrips   int
}

// Comparator runs discovery against one remote.
type Comparator struct {
	local  Graph
	remote peer.Remote
	cfg    Config
	trips  int
}

func NewComparator(local Graph, remote peer.Remote, cfg Config) *Comparator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Comparator{local: local, remote: remote, cfg: cfg}
}

func (c *Comparator) known(n revision.Node) bool {
	_, ok := c.local.Rev(n)
	return ok
}

// span is an inclusive missing first-parent range.
type span struct {
	top, bottom revision.Node
}

// Discover compares the local graph with the remote. It changes no local
// state.
func (c *Comparator) Discover(ctx context.Context) (Result, error) {
	c.trips = 0
	heads, err := c.remote.Heads(ctx)
	if err != nil {
		return Result{}, failure.Connectivity("discovery.heads", err)
	}
	if err := c.roundTrip(ctx); err != nil {
		return Result{}, err
	}

	var common, fetch, unknown, remoteHeads []revision.Node
	for _, h := range heads {
		if h.IsNull() {
			continue
		}
		remoteHeads = append(remoteHeads, h)
		if c.known(h) {
			common = append(common, h)
		} else {
			unknown = append(unknown, h)
		}
	}
	res := Result{RemoteHeads: revision.NewSet(remoteHeads...)}
	log := c.cfg.Logger.WithField("remote heads", len(remoteHeads))
	if len(unknown) == 0 {
		res.Common = c.report(common)
		res.Missing, res.MissingRoots = revision.NewSet(), revision.NewSet()
		res.RoundTrips = c.trips
		log.Debug("remote has nothing new")
		return res, nil
	}

	requested := make(map[revision.Node]bool)
	for _, n := range unknown {
		requested[n] = true
	}
	seen := make(map[revision.Node]bool)
	var spans []span
	var search []*BranchChain

	pending := unknown
	for len(pending) > 0 {
		branches, err := c.branches(ctx, pending)
		if err != nil {
			return Result{}, err
		}
		pending = nil
		for _, b := range branches {
			if seen[b.Head] {
				continue
			}
			seen[b.Head] = true
			if c.known(b.Root) {
				chain := &BranchChain{Head: b.Head, Top: b.Head, Bottom: b.Root}
				res.Chains = append(res.Chains, chain)
				search = append(search, chain)
				continue
			}
			spans = append(spans, span{top: b.Head, bottom: b.Root})
			parentsKnown := true
			for _, p := range []revision.Node{b.P1, b.P2} {
				if p.IsNull() {
					continue
				}
				if c.known(p) {
					common = append(common, p)
					continue
				}
				parentsKnown = false
				if !requested[p] {
					requested[p] = true
					pending = append(pending, p)
				}
			}
			if parentsKnown {
				fetch = append(fetch, b.Root)
			}
		}
	}

	for len(search) > 0 {
		ranges := make([]peer.Range, len(search))
		for i, chain := range search {
			ranges[i] = peer.Range{Top: chain.Top, Bottom: chain.Bottom}
		}
		samples, err := c.between(ctx, ranges)
		if err != nil {
			return Result{}, err
		}
		var next []*BranchChain
		for i, chain := range search {
			l := append(append([]revision.Node(nil), samples[i]...), chain.Bottom)
			p, f := chain.Top, 1
			for _, n := range l {
				if c.known(n) {
					if f <= 2 {
						fetch = append(fetch, p)
						common = append(common, n)
						spans = append(spans, span{top: chain.Head, bottom: p})
					} else {
						child := &BranchChain{Head: chain.Head, Top: p, Bottom: n}
						chain.Children = append(chain.Children, child)
						next = append(next, child)
					}
					break
				}
				p, f = n, f*2
			}
		}
		search = next
	}

	for _, n := range fetch {
		if c.known(n) {
			return Result{}, failure.Protocol("discovery", "remote reported known node %s as missing", n.Short())
		}
	}

	missing, err := c.complete(ctx, spans)
	if err != nil {
		return Result{}, err
	}
	res.Common = c.report(common)
	res.Missing = missing
	res.MissingRoots = revision.NewSet(fetch...)
	res.RoundTrips = c.trips
	log.WithFields(logrus.Fields{
		"missing":     res.Missing.Len(),
		"roots":       res.MissingRoots.Len(),
		"common":      res.Common.Len(),
		"round trips": c.trips,
	}).Debug("discovery finished")
	return res, nil
}

// complete enumerates every node of the missing spans by filling the gaps
// between samples until all are adjacent.
func (c *Comparator) complete(ctx context.Context, spans []span) (revision.Set, error) {
	missing := make(map[revision.Node]bool)
	done := make(map[peer.Range]bool)
	var gaps []peer.Range
	addGap := func(r peer.Range) {
		if r.Top == r.Bottom || done[r] {
			return
		}
		done[r] = true
		gaps = append(gaps, r)
	}
	for _, s := range spans {
		missing[s.top] = true
		missing[s.bottom] = true
		addGap(peer.Range{Top: s.top, Bottom: s.bottom})
	}

	for len(gaps) > 0 {
		batch := gaps
		gaps = nil
		samples, err := c.between(ctx, batch)
		if err != nil {
			return revision.Set{}, err
		}
		for i, r := range batch {
			l := samples[i]
			for _, n := range l {
				if n.IsNull() || n == r.Top || n == r.Bottom {
					return revision.Set{}, failure.Protocol("discovery", "between(%s, %s) returned an endpoint", r.Top.Short(), r.Bottom.Short())
				}
				if c.known(n) {
					return revision.Set{}, failure.Protocol("discovery", "known node %s inside missing range %s..%s", n.Short(), r.Top.Short(), r.Bottom.Short())
				}
				missing[n] = true
			}
			// samples j and j+1 sit 2^j apart, so only j >= 1 leaves a gap
			for j := 1; j+1 < len(l); j++ {
				addGap(peer.Range{Top: l[j], Bottom: l[j+1]})
			}
			if len(l) > 0 {
				addGap(peer.Range{Top: l[len(l)-1], Bottom: r.Bottom})
			}
		}
	}

	nodes := make([]revision.Node, 0, len(missing))
	for n := range missing {
		nodes = append(nodes, n)
	}
	return revision.NewSet(nodes...), nil
}

func (c *Comparator) report(common []revision.Node) revision.Set {
	return revision.NewSet(common...).Subtract(c.cfg.Secret)
}

func (c *Comparator) roundTrip(ctx context.Context) error {
	c.trips++
	return failure.Cancelled("discovery", ctx.Err())
}

func (c *Comparator) branches(ctx context.Context, nodes []revision.Node) ([]peer.Branch, error) {
	var out []peer.Branch
	for start := 0; start < len(nodes); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[start:end]
		got, err := c.remote.Branches(ctx, batch)
		if err != nil {
			return nil, failure.Connectivity("discovery.branches", err)
		}
		if err := c.roundTrip(ctx); err != nil {
			return nil, err
		}
		if len(got) != len(batch) {
			return nil, failure.Protocol("discovery.branches", "asked for %d nodes, got %d segments", len(batch), len(got))
		}
		for i, b := range got {
			if b.Head != batch[i] || b.Root.IsNull() {
				return nil, failure.Protocol("discovery.branches", "bad segment for %s", batch[i].Short())
			}
		}
		c.cfg.Logger.WithField("nodes", len(batch)).Debug("branches")
		out = append(out, got...)
	}
	return out, nil
}

func (c *Comparator) between(ctx context.Context, ranges []peer.Range) ([][]revision.Node, error) {
	var out [][]revision.Node
	for start := 0; start < len(ranges); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(ranges) {
			end = len(ranges)
		}
		batch := ranges[start:end]
		got, err := c.remote.Between(ctx, batch)
		if err != nil {
			return nil, failure.Connectivity("discovery.between", err)
		}
		if err := c.roundTrip(ctx); err != nil {
			return nil, err
		}
		if len(got) != len(batch) {
			return nil, failure.Protocol("discovery.between", "asked for %d ranges, got %d answers", len(batch), len(got))
		}
		c.cfg.Logger.WithField("ranges", len(batch)).Debug("between")
		out = append(out, got...)
	}
	return out, nil
}

// Outgoing returns the local nodes a peer holding common lacks: ancestors
// of the local heads that are not ancestors of common. Secret nodes are
// left out. Nodes of common unknown locally are ignored.
func Outgoing(g Graph, common, secret revision.Set) revision.Set {
	commonRevs := roaring.New()
	for _, n := range common.Nodes() {
		if rev, ok := g.Rev(n); ok && rev >= 0 {
			commonRevs.Add(uint32(rev))
		}
	}
	missing := dag.Missing(g, commonRevs, dag.Heads(g, dag.All(g)))
	nodes := make([]revision.Node, 0, missing.GetCardinality())
	for _, rev := range dag.Revs(missing) {
		nodes = append(nodes, g.Node(rev))
	}
	return revision.NewSet(nodes...).Subtract(secret)
}
