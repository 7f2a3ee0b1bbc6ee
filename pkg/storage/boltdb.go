package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/types"
)

var (
	// Bucket names
	bucketPackets            = []byte("packets")
	bucketNodes              = []byte("node_attributes")
	bucketMeta               = []byte("meta")
	bucketMeshtasticContacts = []byte("meshtastic_contacts")
	bucketMeshCoreContacts   = []byte("meshcore_contacts")

	keySchemaVersion = []byte("schema_version")
)

// boltMigration upgrades the bucket layout to version
type boltMigration struct {
	version int
	name    string
	apply   func(tx *bolt.Tx) error
}

var boltMigrations = []boltMigration{
	{version: 1, name: "base buckets", apply: func(tx *bolt.Tx) error {
		return createBuckets(tx, bucketPackets, bucketNodes)
	}},
	{version: 2, name: "contacts buckets", apply: func(tx *bolt.Tx) error {
		return createBuckets(tx, bucketMeshtasticContacts, bucketMeshCoreContacts)
	}},
	{version: 3, name: "backfill hops_taken", apply: backfillHopsTaken},
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path and applies any
// pending bucket migrations
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) migrate() error {
	logger := log.WithComponent("storage")

	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMeta, err)
		}

		current := decodeVersion(meta.Get(keySchemaVersion))
		for _, m := range boltMigrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			if err := meta.Put(keySchemaVersion, encodeUint(uint64(m.version))); err != nil {
				return err
			}
			logger.Info().Int("version", m.version).Str("migration", m.name).Msg("Applied migration")
		}
		return nil
	})
}

func createBuckets(tx *bolt.Tx, names ...[]byte) error {
	for _, name := range names {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

func backfillHopsTaken(tx *bolt.Tx) error {
	b := tx.Bucket(bucketPackets)
	updates := make(map[string][]byte)

	err := b.ForEach(func(k, v []byte) error {
		var rec types.PacketRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.HopsTaken != nil {
			return nil
		}
		hops := types.HopsTaken(rec.HopStart, rec.HopLimit)
		if hops == nil {
			return nil
		}
		rec.HopsTaken = hops
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		updates[string(k)] = data
		return nil
	})
	if err != nil {
		return err
	}

	// bbolt forbids mutating a bucket inside ForEach
	for k, v := range updates {
		if err := b.Put([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the bucket layout version
func (s *BoltStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.View(func(tx *bolt.Tx) error {
		v = decodeVersion(tx.Bucket(bucketMeta).Get(keySchemaVersion))
		return nil
	})
	if err != nil {
		return 0, unavailable("schema version", err)
	}
	return v, nil
}

// Packet operations

// Packet keys are the big-endian timestamp followed by a bucket sequence, so
// cursor order is time order and retention is a prefix delete.
func packetKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func (s *BoltStore) InsertPacket(ctx context.Context, rec *types.PacketRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackets)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(packetKey(rec.Timestamp, seq), data)
	})
}

func (s *BoltStore) PacketsSince(ctx context.Context, since time.Time) ([]*types.PacketRecord, error) {
	var packets []*types.PacketRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPackets).Cursor()
		for k, v := c.Seek(packetKey(since, 0)); k != nil; k, v = c.Next() {
			var rec types.PacketRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			packets = append(packets, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("packets since", err)
	}
	return packets, nil
}

func (s *BoltStore) PurgePacketsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	limit := packetKey(cutoff, 0)
	purged := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackets)

		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && string(k) < string(limit); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge packets: %w", err)
	}
	return purged, nil
}

// Node operations
func nodeKey(id types.NodeID, prov types.Provenance) []byte {
	key := append([]byte(prov), '/')
	return binary.BigEndian.AppendUint64(key, id.Uint64())
}

func (s *BoltStore) UpsertNode(ctx context.Context, node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put(nodeKey(node.ID, node.Provenance), data)
	})
}

func (s *BoltStore) GetNode(ctx context.Context, id types.NodeID, prov types.Provenance) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(nodeKey(id, prov))
		if data == nil {
			return nil
		}
		node = &types.Node{}
		return json.Unmarshal(data, node)
	})
	if err != nil {
		return nil, unavailable("get node", err)
	}
	if node == nil {
		return nil, fmt.Errorf("node %s (%s): %w", id, prov, ErrNotFound)
	}
	return node, nil
}

func (s *BoltStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("list nodes", err)
	}
	return nodes, nil
}

// Contact operations
func contactBucket(prov types.Provenance) ([]byte, error) {
	switch prov {
	case types.ProvenanceMeshtastic:
		return bucketMeshtasticContacts, nil
	case types.ProvenanceMeshCore:
		return bucketMeshCoreContacts, nil
	}
	return nil, fmt.Errorf("no contacts bucket for provenance %q", prov)
}

func (s *BoltStore) UpsertContact(ctx context.Context, prov types.Provenance, c *types.Contact) error {
	name, err := contactBucket(prov)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(name).Put(encodeUint(c.ID.Uint64()), data)
	})
}

func (s *BoltStore) ListContacts(ctx context.Context, prov types.Provenance) ([]*types.Contact, error) {
	name, err := contactBucket(prov)
	if err != nil {
		return nil, err
	}

	var contacts []*types.Contact
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(name).ForEach(func(k, v []byte) error {
			var c types.Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			contacts = append(contacts, &c)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("list contacts", err)
	}
	return contacts, nil
}

func encodeUint(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeVersion(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}
