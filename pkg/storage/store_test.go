package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbridge/pkg/types"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, SQLiteFile))
	require.NoError(t, err)
	boltStore, err := NewBoltStore(filepath.Join(dir, BoltFile))
	require.NoError(t, err)

	t.Cleanup(func() {
		sqliteStore.Close()
		boltStore.Close()
	})
	return map[string]Store{"sqlite": sqliteStore, "bolt": boltStore}
}

func packet(id string, from types.NodeID, ts time.Time) *types.PacketRecord {
	return &types.PacketRecord{
		ID:         id,
		From:       from,
		To:         types.BroadcastID,
		Timestamp:  ts,
		Port:       types.PortPosition,
		SNR:        types.Float(-7.5),
		HopStart:   types.Int(3),
		HopLimit:   types.Int(1),
		HopsTaken:  types.Int(2),
		Provenance: types.ProvenanceMeshtastic,
		Interface:  "meshtastic",
		Payload:    &types.PacketPayload{Position: &types.Position{Latitude: 48.85, Longitude: 2.35}},
	}
}

func TestPacketRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.InsertPacket(ctx, packet("p1", 0xa1b2c3d4, now.Add(-time.Minute))))
			require.NoError(t, store.InsertPacket(ctx, packet("p2", 0x1234, now)))

			got, err := store.PacketsSince(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 2)

			first := got[0]
			assert.Equal(t, "p1", first.ID)
			assert.Equal(t, types.NodeID(0xa1b2c3d4), first.From)
			assert.Equal(t, types.BroadcastID, first.To)
			assert.Equal(t, now.Add(-time.Minute).UnixNano(), first.Timestamp.UnixNano())
			require.NotNil(t, first.SNR)
			assert.Equal(t, -7.5, *first.SNR)
			assert.Nil(t, first.RSSI, "missing RSSI stays nil")
			require.NotNil(t, first.HopsTaken)
			assert.Equal(t, 2, *first.HopsTaken)
			require.NotNil(t, first.Payload)
			assert.Equal(t, 48.85, first.Payload.Position.Latitude)
		})
	}
}

func TestRetentionKeepsNodeAttributes(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	retention := 30 * 24 * time.Hour

	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.InsertPacket(ctx, packet("old", 0x42, now.Add(-retention-time.Hour))))
			require.NoError(t, store.InsertPacket(ctx, packet("new", 0x42, now)))
			require.NoError(t, store.UpsertNode(ctx, &types.Node{
				ID: 0x42, Provenance: types.ProvenanceMeshtastic, LongName: "Relay", UpdatedAt: now.Add(-retention * 2),
			}))

			purged, err := store.PurgePacketsBefore(ctx, now.Add(-retention))
			require.NoError(t, err)
			assert.Equal(t, 1, purged)

			got, err := store.PacketsSince(ctx, time.Unix(0, 0))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "new", got[0].ID)

			node, err := store.GetNode(ctx, 0x42, types.ProvenanceMeshtastic)
			require.NoError(t, err)
			assert.Equal(t, "Relay", node.LongName)
		})
	}
}

func TestNodeUpsertAndProvenanceIsolation(t *testing.T) {
	ctx := context.Background()

	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			node := &types.Node{
				ID:         0x42,
				Provenance: types.ProvenanceMeshtastic,
				LongName:   "Base",
				Position:   &types.Position{Latitude: 1, Longitude: 2, Altitude: types.Int(30)},
				Telemetry:  &types.Telemetry{BatteryLevel: types.Float(88), Pressure: types.Float(1013.2)},
				PublicKey:  []byte{1, 2, 3},
			}
			require.NoError(t, store.UpsertNode(ctx, node))
			require.NoError(t, store.UpsertNode(ctx, &types.Node{ID: 0x42, Provenance: types.ProvenanceMeshCore, LongName: "Other"}))

			node.LongName = "Base v2"
			require.NoError(t, store.UpsertNode(ctx, node))

			got, err := store.GetNode(ctx, 0x42, types.ProvenanceMeshtastic)
			require.NoError(t, err)
			assert.Equal(t, "Base v2", got.LongName)
			assert.Equal(t, []byte{1, 2, 3}, got.PublicKey)
			require.NotNil(t, got.Position)
			assert.Equal(t, 30, *got.Position.Altitude)
			require.NotNil(t, got.Telemetry)
			assert.Equal(t, 1013.2, *got.Telemetry.Pressure)
			assert.Nil(t, got.Telemetry.Voltage)

			other, err := store.GetNode(ctx, 0x42, types.ProvenanceMeshCore)
			require.NoError(t, err)
			assert.Equal(t, "Other", other.LongName)

			all, err := store.ListNodes(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			_, err = store.GetNode(ctx, 0x99, types.ProvenanceMeshtastic)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestContactsAreSeparatePerNetwork(t *testing.T) {
	ctx := context.Background()

	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertContact(ctx, types.ProvenanceMeshtastic, &types.Contact{ID: 1, Name: "A", PublicKey: []byte{9}}))
			require.NoError(t, store.UpsertContact(ctx, types.ProvenanceMeshCore, &types.Contact{ID: 2, Name: "B"}))
			require.NoError(t, store.UpsertContact(ctx, types.ProvenanceMeshCore, &types.Contact{ID: 2, Name: "B2"}))

			mt, err := store.ListContacts(ctx, types.ProvenanceMeshtastic)
			require.NoError(t, err)
			require.Len(t, mt, 1)
			assert.Equal(t, "A", mt[0].Name)
			assert.Equal(t, []byte{9}, mt[0].PublicKey)

			mc, err := store.ListContacts(ctx, types.ProvenanceMeshCore)
			require.NoError(t, err)
			require.Len(t, mc, 1)
			assert.Equal(t, "B2", mc[0].Name)

			assert.Error(t, store.UpsertContact(ctx, types.Provenance("lorawan"), &types.Contact{ID: 3}))
		})
	}
}

func TestSQLiteMigratesVersionOneDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), SQLiteFile)

	// A database written before rx_node, hops_taken, public_key and the
	// contacts tables existed.
	legacy, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = legacy.Exec(`CREATE TABLE packets (
		id TEXT PRIMARY KEY, sender INTEGER NOT NULL, receiver INTEGER, timestamp INTEGER NOT NULL,
		type TEXT NOT NULL, snr REAL, rssi INTEGER, hop_limit INTEGER, hop_start INTEGER,
		provenance TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = legacy.Exec(`INSERT INTO packets VALUES ('legacy', 66, 4294967295, ?, 'TEXT_MESSAGE_APP', -3.0, -90, 2, 5, 'meshtastic')`,
		time.Now().UnixNano())
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	got, err := store.PacketsSince(ctx, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "legacy", got[0].ID)
	require.NotNil(t, got[0].HopsTaken, "hops_taken backfilled from stored TTLs")
	assert.Equal(t, 3, *got[0].HopsTaken)
	assert.True(t, got[0].RxNode.IsZero())
	require.NoError(t, store.Close())

	// Second open is a no-op
	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err = store.PacketsSince(ctx, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	var versions int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&versions))
	assert.Equal(t, 1, versions)
}

func TestBoltMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), BoltFile)

	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.InsertPacket(ctx, packet("p1", 1, time.Now())))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	got, err := store.PacketsSince(ctx, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConvertBoltToSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src, err := NewBoltStore(filepath.Join(dir, BoltFile))
	require.NoError(t, err)
	defer src.Close()
	dst, err := NewSQLiteStore(filepath.Join(dir, SQLiteFile))
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, src.InsertPacket(ctx, packet("p1", 1, time.Now())))
	require.NoError(t, src.UpsertNode(ctx, &types.Node{ID: 1, Provenance: types.ProvenanceMeshtastic, LongName: "One"}))
	require.NoError(t, src.UpsertContact(ctx, types.ProvenanceMeshCore, &types.Contact{ID: 5, Name: "Five"}))

	stats, err := Convert(ctx, src, dst, true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Packets)
	nodes, err := dst.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes, "dry run writes nothing")

	stats, err = Convert(ctx, src, dst, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Packets)
	assert.Equal(t, 1, stats.Nodes)
	assert.Equal(t, 1, stats.Contacts[types.ProvenanceMeshCore])

	// Re-running skips packets already copied
	_, err = Convert(ctx, src, dst, false)
	require.NoError(t, err)
	packets, err := dst.PacketsSince(ctx, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Len(t, packets, 1)
}
