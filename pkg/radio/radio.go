package radio

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/types"
)

var (
	// ErrIdleTimeout is returned by ReadPacket when nothing arrived within the
	// idle timeout. It is not a disconnection; the caller reads again.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrShortReads is returned when the transport keeps delivering empty
	// reads, which is how a half-dead connection presents
	ErrShortReads = errors.New("too many consecutive zero-byte reads")

	// ErrClosed is returned by operations on a closed interface
	ErrClosed = errors.New("interface closed")
)

// Packet is one decoded packet as delivered by a radio transport. Field
// names follow the decoder's output and are read tolerantly by ingestion.
type Packet struct {
	Fields   decode.Fields
	Network  types.Provenance // explicit network tag, empty when the transport sends none
	Received time.Time
}

// CachedNode is one entry of an interface's node database
type CachedNode struct {
	ID   types.NodeID
	Info decode.Fields
}

// NodeCache is the live, mutable node database of a connected interface
type NodeCache interface {
	Len() int
	Snapshot() []CachedNode
	// SetPublicKey stores key material for the node indexed by key. The
	// key is either a uint64 node number or a string node id, depending on
	// what the decoder indexes by.
	SetPublicKey(key any, pub []byte)
}

// Interface is one connected radio
type Interface interface {
	Name() string
	Connect(ctx context.Context) error
	ReadPacket(ctx context.Context) (*Packet, error)
	NodeCache() NodeCache
	LocalNodeID() types.NodeID
	Close() error
}

// ProvenanceReporter is implemented by adapters and test doubles that know
// which network they carry
type ProvenanceReporter interface {
	Provenance() types.Provenance
}

// Invalidator marks the decoder's node cache dirty so injected keys are
// picked up
type Invalidator interface {
	InvalidateNodeCache() error
}

// Refresher asks the decoder to reload its node cache
type Refresher interface {
	RefreshNodeCache(ctx context.Context) error
}

// Factory creates a fresh, unconnected interface. Readers call it on every
// reconnect so no state survives a torn-down transport.
type Factory func() (Interface, error)
