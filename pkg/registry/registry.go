package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/types"
)

var (
	// ErrUnknownNode is returned when no network has seen the identifier
	ErrUnknownNode = errors.New("unknown node")

	// ErrNoKeyMaterial is returned for a known node that never announced a
	// public key. Decryption for that node cannot proceed yet.
	ErrNoKeyMaterial = errors.New("no key material")
)

// DefaultPacketCapacity bounds the in-memory packet buffer
const DefaultPacketCapacity = 5000

// Sink receives every registry mutation that should be persisted
type Sink interface {
	SaveNode(node *types.Node)
	SavePacket(rec *types.PacketRecord)
	SaveContact(prov types.Provenance, contact *types.Contact)
}

// Options configures a Registry
type Options struct {
	Sink           Sink
	Publisher      events.Publisher
	PacketCapacity int
	Clock          func() time.Time
}

type nodeKey struct {
	id   types.NodeID
	prov types.Provenance
}

// Registry is the in-memory model of nodes, recent packets and neighbor
// adjacency. Each map has its own lock; an upsert followed by a packet
// append is not atomic across the two.
type Registry struct {
	nodesMu sync.RWMutex
	nodes   map[nodeKey]*types.Node

	packetsMu sync.RWMutex
	packets   *ring

	neighborsMu sync.RWMutex
	neighbors   map[nodeKey]map[types.NodeID]types.NeighborEdge

	sink      Sink
	publisher events.Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates an empty registry
func New(opts Options) *Registry {
	capacity := opts.PacketCapacity
	if capacity <= 0 {
		capacity = DefaultPacketCapacity
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Discard
	}

	return &Registry{
		nodes:     make(map[nodeKey]*types.Node),
		packets:   newRing(capacity),
		neighbors: make(map[nodeKey]map[types.NodeID]types.NeighborEdge),
		sink:      opts.Sink,
		publisher: publisher,
		now:       clock,
		logger:    log.WithComponent("registry"),
	}
}

// UpsertNode merges the present fields of u into the node (id, prov),
// creating it on first sight. It reports whether a significant field
// changed; only then is the node forwarded to the sink.
func (r *Registry) UpsertNode(id types.NodeID, u NodeUpdate, prov types.Provenance) bool {
	now := r.now()
	heard := u.HeardAt
	if heard.IsZero() {
		heard = now
	}

	r.nodesMu.Lock()
	k := nodeKey{id: id, prov: prov}
	node, exists := r.nodes[k]
	if !exists {
		node = &types.Node{ID: id, Provenance: prov}
		r.nodes[k] = node
	}
	changed := merge(node, u) || !exists
	if heard.After(node.LastHeard) {
		node.LastHeard = heard
	}
	var snapshot *types.Node
	if changed {
		node.UpdatedAt = now
		snapshot = node.Clone()
	}
	r.nodesMu.Unlock()

	if !changed {
		return false
	}

	if r.sink != nil {
		r.sink.SaveNode(snapshot)
	}

	evType := events.EventNodeUpdated
	if !exists {
		evType = events.EventNodeDiscovered
		r.logger.Debug().Str("node_id", id.Hex()).Str("provenance", string(prov)).Msg("Node discovered")
	}
	r.publisher.Publish(&events.Event{
		Type:     evType,
		Message:  snapshot.DisplayName(),
		Metadata: map[string]string{"node_id": id.Hex(), "provenance": string(prov)},
	})
	return true
}

// Restore seeds the registry from persisted node attributes without
// forwarding anything to the sink
func (r *Registry) Restore(nodes []*types.Node) int {
	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()

	for _, n := range nodes {
		if n == nil || !n.Provenance.Valid() {
			continue
		}
		r.nodes[nodeKey{id: n.ID, prov: n.Provenance}] = n.Clone()
	}
	return len(r.nodes)
}

// Lookup resolves any textual node reference: "!a1b2c3d4", "0xa1b2c3d4",
// "a1b2c3d4", the decimal node number, or failing those a long or short name.
func (r *Registry) Lookup(ref string) (*types.Node, error) {
	id, err := types.ParseNodeID(ref)
	if err == nil {
		if node, err := r.LookupID(id); err == nil {
			return node, nil
		}
	}
	// eight decimal digits parse as hex first; they may also be a node number
	if ref = strings.TrimSpace(ref); len(ref) == 8 {
		if n, err := strconv.ParseUint(ref, 10, 64); err == nil {
			if node, err := r.LookupID(types.NodeID(n)); err == nil {
				return node, nil
			}
		}
	}
	if node, err := r.FindByName(ref); err == nil {
		return node, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNode, ref)
}

// LookupID returns a copy of the node with this id. When both networks know
// the id, the most recently updated record wins.
func (r *Registry) LookupID(id types.NodeID) (*types.Node, error) {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	var best *types.Node
	for _, prov := range types.Provenances() {
		n, ok := r.nodes[nodeKey{id: id, prov: prov}]
		if !ok {
			continue
		}
		if best == nil || n.UpdatedAt.After(best.UpdatedAt) {
			best = n
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id.Hex())
	}
	return best.Clone(), nil
}

// LookupIn returns a copy of the node as seen by one network
func (r *Registry) LookupIn(prov types.Provenance, id types.NodeID) (*types.Node, error) {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	n, ok := r.nodes[nodeKey{id: id, prov: prov}]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnknownNode, id.Hex(), prov)
	}
	return n.Clone(), nil
}

// FindByName matches a long or short name, case-insensitively. Ties go to
// the most recently updated node.
func (r *Registry) FindByName(name string) (*types.Node, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownNode)
	}

	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	var best *types.Node
	for _, n := range r.nodes {
		if !strings.EqualFold(n.LongName, name) && !strings.EqualFold(n.ShortName, name) {
			continue
		}
		if best == nil || n.UpdatedAt.After(best.UpdatedAt) ||
			(n.UpdatedAt.Equal(best.UpdatedAt) && n.ID < best.ID) {
			best = n
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return best.Clone(), nil
}

// Nodes lists copies of every node of one network, or of both when prov is
// empty, ordered by provenance then id
func (r *Registry) Nodes(prov types.Provenance) []*types.Node {
	r.nodesMu.RLock()
	out := make([]*types.Node, 0, len(r.nodes))
	for k, n := range r.nodes {
		if prov != "" && k.prov != prov {
			continue
		}
		out = append(out, n.Clone())
	}
	r.nodesMu.RUnlock()

	sortNodes(out)
	return out
}

// Count returns the number of nodes known to one network, or to both when
// prov is empty
func (r *Registry) Count(prov types.Provenance) int {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	if prov == "" {
		return len(r.nodes)
	}
	n := 0
	for k := range r.nodes {
		if k.prov == prov {
			n++
		}
	}
	return n
}

// Keys lists copies of the nodes of one network that hold key material
func (r *Registry) Keys(prov types.Provenance) []*types.Node {
	r.nodesMu.RLock()
	var out []*types.Node
	for k, n := range r.nodes {
		if k.prov == prov && len(n.PublicKey) > 0 {
			out = append(out, n.Clone())
		}
	}
	r.nodesMu.RUnlock()

	sortNodes(out)
	return out
}

// PublicKey returns the key of node id. ErrUnknownNode and ErrNoKeyMaterial
// are distinct: the latter is expected for nodes whose identity broadcast
// has not been heard yet.
func (r *Registry) PublicKey(id types.NodeID) ([]byte, error) {
	node, err := r.LookupID(id)
	if err != nil {
		return nil, err
	}
	if len(node.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyMaterial, id.Hex())
	}
	return node.PublicKey, nil
}

// HasKey reports whether a known node holds key material
func (r *Registry) HasKey(id types.NodeID) bool {
	_, err := r.PublicKey(id)
	return err == nil
}

// SaveContact forwards an identity record to the network's contacts table
func (r *Registry) SaveContact(prov types.Provenance, contact *types.Contact) {
	if r.sink != nil {
		r.sink.SaveContact(prov, contact)
	}
}

// RecordPacket appends rec to the packet buffer and forwards it to the sink.
// The oldest record is evicted when the buffer is full.
func (r *Registry) RecordPacket(rec *types.PacketRecord) {
	r.packetsMu.Lock()
	r.packets.push(rec)
	r.packetsMu.Unlock()

	if r.sink != nil {
		r.sink.SavePacket(rec)
	}
}

// BufferedPackets returns the number of packets held in memory
func (r *Registry) BufferedPackets() int {
	r.packetsMu.RLock()
	defer r.packetsMu.RUnlock()
	return r.packets.size
}

// PacketsSince returns the buffered packets with a timestamp at or after
// since, in arrival order. It lets queries run from memory when the store
// is degraded.
func (r *Registry) PacketsSince(_ context.Context, since time.Time) ([]*types.PacketRecord, error) {
	r.packetsMu.RLock()
	defer r.packetsMu.RUnlock()

	var out []*types.PacketRecord
	r.packets.each(func(rec *types.PacketRecord) {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	})
	return out, nil
}

// BufferCovers reports whether the packet buffer still holds every packet
// recorded at or after since. It turns false once capacity eviction has
// dropped a packet from inside that window.
func (r *Registry) BufferCovers(since time.Time) bool {
	r.packetsMu.RLock()
	defer r.packetsMu.RUnlock()
	return r.packets.evictedUntil.IsZero() || r.packets.evictedUntil.Before(since)
}

// PrunePackets drops buffered packets older than cutoff
func (r *Registry) PrunePackets(cutoff time.Time) int {
	r.packetsMu.Lock()
	defer r.packetsMu.Unlock()

	return r.packets.filter(func(rec *types.PacketRecord) bool {
		return !rec.Timestamp.Before(cutoff)
	})
}

// RecordNeighbors replaces the adjacency reported by reporter
func (r *Registry) RecordNeighbors(reporter types.NodeID, prov types.Provenance, neighbors []types.Neighbor, at time.Time) {
	edges := make(map[types.NodeID]types.NeighborEdge, len(neighbors))
	for _, nb := range neighbors {
		if nb.ID.IsZero() || nb.ID == reporter {
			continue
		}
		edges[nb.ID] = types.NeighborEdge{
			NodeA:      reporter,
			NodeB:      nb.ID,
			Provenance: prov,
			SNR:        nb.SNR,
			ObservedAt: at,
		}
	}

	r.neighborsMu.Lock()
	r.neighbors[nodeKey{id: reporter, prov: prov}] = edges
	r.neighborsMu.Unlock()
}

// Neighbors lists the edges reported by node id on either network
func (r *Registry) Neighbors(id types.NodeID) []types.NeighborEdge {
	r.neighborsMu.RLock()
	var out []types.NeighborEdge
	for _, prov := range types.Provenances() {
		for _, e := range r.neighbors[nodeKey{id: id, prov: prov}] {
			out = append(out, e)
		}
	}
	r.neighborsMu.RUnlock()

	sortEdges(out)
	return out
}

// NeighborsIn lists the edges reported by node id on one network
func (r *Registry) NeighborsIn(prov types.Provenance, id types.NodeID) []types.NeighborEdge {
	r.neighborsMu.RLock()
	var out []types.NeighborEdge
	for _, e := range r.neighbors[nodeKey{id: id, prov: prov}] {
		out = append(out, e)
	}
	r.neighborsMu.RUnlock()

	sortEdges(out)
	return out
}

// HasNeighborInfo reports whether id has sent a neighbor-info report
func (r *Registry) HasNeighborInfo(id types.NodeID, prov types.Provenance) bool {
	r.neighborsMu.RLock()
	defer r.neighborsMu.RUnlock()
	_, ok := r.neighbors[nodeKey{id: id, prov: prov}]
	return ok
}

// NeighborTable lists every known edge
func (r *Registry) NeighborTable() []types.NeighborEdge {
	r.neighborsMu.RLock()
	var out []types.NeighborEdge
	for _, edges := range r.neighbors {
		for _, e := range edges {
			out = append(out, e)
		}
	}
	r.neighborsMu.RUnlock()

	sortEdges(out)
	return out
}

func sortNodes(nodes []*types.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Provenance != nodes[j].Provenance {
			return nodes[i].Provenance < nodes[j].Provenance
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func sortEdges(edges []types.NeighborEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Provenance != b.Provenance {
			return a.Provenance < b.Provenance
		}
		if a.NodeA != b.NodeA {
			return a.NodeA < b.NodeA
		}
		return a.NodeB < b.NodeB
	})
}
