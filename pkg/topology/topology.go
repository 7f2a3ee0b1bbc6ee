package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/storage"
	"github.com/cuemby/meshbridge/pkg/types"
)

// Options configures an Engine. Store may be nil, in which case queries run
// against the registry's packet buffer.
type Options struct {
	Store    storage.Store
	Registry *registry.Registry
	// Degraded reports whether the store has stopped accepting writes;
	// queries then read the in-memory buffer, which holds only the newest
	// storage.buffer_cap packets
	Degraded func() bool
	Clock    func() time.Time
}

// Engine answers read-only topology queries. It never mutates the registry.
type Engine struct {
	store    storage.Store
	reg      *registry.Registry
	degraded func() bool
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a query engine
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	degraded := opts.Degraded
	if degraded == nil {
		degraded = func() bool { return false }
	}
	return &Engine{
		store:    opts.Store,
		reg:      opts.Registry,
		degraded: degraded,
		now:      clock,
		logger:   log.WithComponent("topology"),
	}
}

// Link is the best observation of the radio link between two nodes. NodeA
// is always the lower id. From and To give the direction of the best
// observation.
type Link struct {
	NodeA        types.NodeID
	NodeB        types.NodeID
	From         types.NodeID
	To           types.NodeID
	Provenance   types.Provenance
	SNR          *float64
	RSSI         *int
	HopsTaken    *int
	Timestamp    time.Time // most recent observation of the pair
	Observations int
}

// ActiveNode is a node heard within a query window
type ActiveNode struct {
	ID         types.NodeID
	Provenance types.Provenance
	Name       string
	LastSeen   time.Time
	Packets    int
	Position   *types.Position
	// PositionSource is "packet" when a packet in the window carried the
	// position, "node" when it came from stored attributes, empty otherwise
	PositionSource string
}

type pairKey struct {
	prov types.Provenance
	a, b types.NodeID
}

func (e *Engine) packets(ctx context.Context, since time.Time) ([]*types.PacketRecord, error) {
	if e.store == nil || e.degraded() {
		if !e.reg.BufferCovers(since) {
			metrics.QueryTruncatedTotal.Inc()
			e.logger.Warn().
				Time("since", since).
				Int("buffered", e.reg.BufferedPackets()).
				Msg("Packet buffer overflowed inside the query window, results cover only the newest packets")
		}
		return e.reg.PacketsSince(ctx, since)
	}
	return e.store.PacketsSince(ctx, since)
}

// PropagationReport returns the best link per node pair heard within window,
// strongest first. Only packets with an identified pair and a signal metric
// count. topN <= 0 returns every link.
func (e *Engine) PropagationReport(ctx context.Context, window time.Duration, topN int) ([]Link, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "propagation")

	recs, err := e.packets(ctx, e.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("propagation report: %w", err)
	}

	best := make(map[pairKey]*types.PacketRecord)
	links := make(map[pairKey]*Link)
	for _, rec := range recs {
		if !rec.HasSignal() {
			continue
		}
		peer, ok := rec.LinkPeer()
		if !ok || peer == rec.From || rec.From.IsZero() {
			continue
		}

		k := pairKey{prov: rec.Provenance, a: min(rec.From, peer), b: max(rec.From, peer)}
		link, ok := links[k]
		if !ok {
			link = &Link{NodeA: k.a, NodeB: k.b, Provenance: k.prov}
			links[k] = link
		}
		link.Observations++
		if rec.Timestamp.After(link.Timestamp) {
			link.Timestamp = rec.Timestamp
		}
		if cur := best[k]; cur == nil || better(rec, cur) {
			best[k] = rec
			link.From, link.To = rec.From, peer
		}
	}

	out := make([]Link, 0, len(links))
	for k, link := range links {
		rec := best[k]
		link.SNR, link.RSSI, link.HopsTaken = rec.SNR, rec.RSSI, rec.HopsTaken
		out = append(out, *link)
	}
	sortLinks(out)

	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	e.logger.Debug().Int("packets", len(recs)).Int("links", len(out)).Dur("window", window).Msg("Propagation report built")
	return out, nil
}

// better reports whether a is a better observation than b: an SNR beats
// none, a higher SNR beats a lower one, then the more recent wins
func better(a, b *types.PacketRecord) bool {
	if (a.SNR != nil) != (b.SNR != nil) {
		return a.SNR != nil
	}
	if a.SNR != nil && *a.SNR != *b.SNR {
		return *a.SNR > *b.SNR
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID < b.ID
}

func sortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if (a.SNR != nil) != (b.SNR != nil) {
			return a.SNR != nil
		}
		if a.SNR != nil && *a.SNR != *b.SNR {
			return *a.SNR > *b.SNR
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.NodeA != b.NodeA {
			return a.NodeA < b.NodeA
		}
		if a.NodeB != b.NodeB {
			return a.NodeB < b.NodeB
		}
		return a.Provenance < b.Provenance
	})
}

// ActiveNodes returns the nodes whose latest packet falls within window,
// most recently heard first. Each carries the newest position seen in a
// packet, else the stored node position.
func (e *Engine) ActiveNodes(ctx context.Context, window time.Duration) ([]ActiveNode, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "active_nodes")

	recs, err := e.packets(ctx, e.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("active nodes: %w", err)
	}

	type nodeKey struct {
		id   types.NodeID
		prov types.Provenance
	}
	active := make(map[nodeKey]*ActiveNode)
	posAt := make(map[nodeKey]time.Time)
	for _, rec := range recs {
		if rec.From.IsZero() {
			continue
		}
		k := nodeKey{id: rec.From, prov: rec.Provenance}
		n, ok := active[k]
		if !ok {
			n = &ActiveNode{ID: rec.From, Provenance: rec.Provenance}
			active[k] = n
		}
		n.Packets++
		if rec.Timestamp.After(n.LastSeen) {
			n.LastSeen = rec.Timestamp
		}
		if rec.Payload != nil && rec.Payload.Position != nil && !rec.Timestamp.Before(posAt[k]) {
			p := *rec.Payload.Position
			n.Position = &p
			n.PositionSource = "packet"
			posAt[k] = rec.Timestamp
		}
	}

	out := make([]ActiveNode, 0, len(active))
	for k, n := range active {
		node, err := e.node(ctx, k.id, k.prov)
		if err != nil {
			return nil, fmt.Errorf("active nodes: %w", err)
		}
		if node != nil {
			n.Name = node.DisplayName()
			if n.Position == nil && node.Position != nil {
				p := *node.Position
				n.Position = &p
				n.PositionSource = "node"
			}
		} else {
			n.Name = k.id.Hex()
		}
		out = append(out, *n)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Provenance < out[j].Provenance
	})
	return out, nil
}

// node returns stored attributes for id, from the registry first and the
// store second. A node neither knows is nil without error.
func (e *Engine) node(ctx context.Context, id types.NodeID, prov types.Provenance) (*types.Node, error) {
	if e.reg != nil {
		if n, err := e.reg.LookupIn(prov, id); err == nil {
			return n, nil
		}
	}
	if e.store == nil || e.degraded() {
		return nil, nil
	}
	n, err := e.store.GetNode(ctx, id, prov)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return n, err
}

// LookupNode resolves any node reference the registry understands
func (e *Engine) LookupNode(ref string) (*types.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "lookup_node")
	return e.reg.Lookup(ref)
}
