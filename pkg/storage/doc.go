/*
Package storage provides durable, schema-versioned persistence for meshbridge.

Two backends implement the Store interface:

  - SQLiteStore (default) on modernc.org/sqlite in WAL mode
  - BoltStore on go.etcd.io/bbolt, kept for existing deployments and
    convertible to SQLite with Convert

Both hold the same logical tables:

	packets              append-only, purged by age (PurgePacketsBefore)
	node_attributes      upsert, keyed by (id, provenance), never swept
	meshtastic_contacts  identity records for the Meshtastic network
	meshcore_contacts    identity records for the MeshCore network
	schema_version       highest applied schema version

The two contacts tables are never unioned at this layer; the networks'
identifier spaces and attribute sets differ.

# Migration

SQLite databases are migrated at open time: base tables are created with
CREATE TABLE IF NOT EXISTS, then every later-version column is probed with
PRAGMA table_info and added with ALTER TABLE ADD COLUMN when missing. Existing
rows keep their values and get NULL in the new column. Running the migration
twice is a no-op.

Bolt databases record their layout version in the meta bucket and apply the
numbered migrations above it in order.

	┌────────── BUCKETS ──────────┐
	│ meta           schema_version│
	│ packets        ts(8) seq(8)  │  big-endian, cursor order is time order
	│ node_attributes prov/id(8)   │
	│ *_contacts     id(8)         │
	└──────────────────────────────┘

# Writer

The ingestion path never writes to a Store directly. Writer serializes all
writes through one goroutine. When a write fails the writer logs once, marks
the storage component unhealthy, sets meshbridge_store_degraded and drops
every later write; the in-memory registry remains authoritative until the
process restarts.

	w := storage.NewWriter(store, 1024, broker)
	registry := registry.New(registry.Options{Sink: w})
	...
	w.Flush()
	w.Close()
	store.Close()

Reads that fail return errors wrapping ErrStoreUnavailable.
*/
package storage
