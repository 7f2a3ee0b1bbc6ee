package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/meshbridge/pkg/types"
)

// SchemaVersion is the schema version written by this build
const SchemaVersion = 3

// Database file names inside the data directory
const (
	SQLiteFile = "meshbridge.sqlite"
	BoltFile   = "meshbridge.db"
)

var (
	// ErrStoreUnavailable wraps every read failure so query callers get a
	// clear "store unavailable" result instead of partial data.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a keyed row does not exist
	ErrNotFound = errors.New("not found")
)

// Store defines the interface for durable bridge state
type Store interface {
	// Packets
	InsertPacket(ctx context.Context, rec *types.PacketRecord) error
	PacketsSince(ctx context.Context, since time.Time) ([]*types.PacketRecord, error)
	PurgePacketsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Node attributes
	UpsertNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id types.NodeID, prov types.Provenance) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)

	// Contacts, one table per network
	UpsertContact(ctx context.Context, prov types.Provenance, contact *types.Contact) error
	ListContacts(ctx context.Context, prov types.Provenance) ([]*types.Contact, error)

	// Utility
	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

// Open creates the data directory if needed and opens the configured backend
func Open(backend, dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	switch backend {
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dataDir, SQLiteFile))
	case "bolt":
		return NewBoltStore(filepath.Join(dataDir, BoltFile))
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func contactTable(prov types.Provenance) (string, error) {
	switch prov {
	case types.ProvenanceMeshtastic:
		return "meshtastic_contacts", nil
	case types.ProvenanceMeshCore:
		return "meshcore_contacts", nil
	}
	return "", fmt.Errorf("no contacts table for provenance %q", prov)
}
