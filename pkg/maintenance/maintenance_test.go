package maintenance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/storage"
	"github.com/cuemby/meshbridge/pkg/types"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) ofType(t events.EventType) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type countingSyncer struct {
	calls atomic.Int32
	err   error
}

func (c *countingSyncer) SyncAll(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func packet(i int, age time.Duration) *types.PacketRecord {
	return &types.PacketRecord{
		ID:         fmt.Sprintf("p%02d", i),
		From:       types.NodeID(i + 1),
		To:         types.BroadcastID,
		Timestamp:  now.Add(-age),
		Port:       types.PortText,
		Provenance: types.ProvenanceMeshtastic,
	}
}

func seeded(t *testing.T) (*registry.Registry, storage.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), storage.SQLiteFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(registry.Options{Clock: clock})
	for i, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 2 * time.Hour} {
		rec := packet(i, age)
		reg.RecordPacket(rec)
		require.NoError(t, store.InsertPacket(ctx, rec))
	}
	require.NoError(t, store.UpsertNode(ctx, &types.Node{ID: 1, Provenance: types.ProvenanceMeshtastic, LongName: "Old Timer"}))
	return reg, store
}

func TestSweepPurgesOldPacketsOnly(t *testing.T) {
	ctx := context.Background()
	reg, store := seeded(t)
	pub := &recordingPublisher{}
	before := metrics.Value(metrics.RetentionPurgedTotal)

	m := New(Options{Registry: reg, Store: store, Publisher: pub, Retention: 30 * 24 * time.Hour, Clock: clock})
	purged, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	assert.Equal(t, 1, reg.BufferedPackets())
	assert.Equal(t, before+2, metrics.Value(metrics.RetentionPurgedTotal))

	left, err := store.PacketsSince(ctx, now.Add(-365*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "p02", left[0].ID)

	node, err := store.GetNode(ctx, 1, types.ProvenanceMeshtastic)
	require.NoError(t, err)
	assert.Equal(t, "Old Timer", node.LongName)

	swept := pub.ofType(events.EventRetentionSweepComplete)
	require.Len(t, swept, 1)
	assert.Equal(t, "2", swept[0].Metadata["purged"])

	// A second sweep finds nothing left to do
	purged, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestSweepWithoutRetentionKeepsEverything(t *testing.T) {
	reg, store := seeded(t)
	pub := &recordingPublisher{}

	m := New(Options{Registry: reg, Store: store, Publisher: pub, Clock: clock})
	purged, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.Equal(t, 3, reg.BufferedPackets())
	assert.Empty(t, pub.ofType(events.EventRetentionSweepComplete))
}

func TestSweepLeavesDegradedStoreAlone(t *testing.T) {
	ctx := context.Background()
	reg, store := seeded(t)

	m := New(Options{
		Registry:  reg,
		Store:     store,
		Retention: 30 * 24 * time.Hour,
		Degraded:  func() bool { return true },
		Clock:     clock,
	})
	purged, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged, "buffer count when the store is unusable")
	assert.Equal(t, 1, reg.BufferedPackets())

	left, err := store.PacketsSince(ctx, now.Add(-365*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

type brokenStore struct{ storage.Store }

func (brokenStore) PurgePacketsBefore(context.Context, time.Time) (int, error) {
	return 0, fmt.Errorf("%w: purge: database is locked", storage.ErrStoreUnavailable)
}

func TestSweepReportsStoreFailure(t *testing.T) {
	reg := registry.New(registry.Options{Clock: clock})
	m := New(Options{Registry: reg, Store: brokenStore{}, Retention: time.Hour, Clock: clock})

	_, err := m.Sweep(context.Background())
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}

func TestSyncKeys(t *testing.T) {
	m := New(Options{Registry: registry.New(registry.Options{})})
	assert.NoError(t, m.SyncKeys(context.Background()), "no synchronizer configured")

	keys := &countingSyncer{err: errors.New("radio busy")}
	m = New(Options{Registry: registry.New(registry.Options{}), Keys: keys})
	err := m.SyncKeys(context.Background())
	assert.ErrorContains(t, err, "radio busy")
	assert.EqualValues(t, 1, keys.calls.Load())
}

func TestLoopSyncsKeysAndCollectsGauges(t *testing.T) {
	reg := registry.New(registry.Options{Clock: clock})
	reg.UpsertNode(1, registry.NodeUpdate{PublicKey: []byte{1, 2, 3}}, types.ProvenanceMeshtastic)
	reg.UpsertNode(2, registry.NodeUpdate{}, types.ProvenanceMeshtastic)
	reg.UpsertNode(3, registry.NodeUpdate{}, types.ProvenanceMeshCore)
	keys := &countingSyncer{}

	m := New(Options{
		Registry:        reg,
		Keys:            keys,
		KeySyncInterval: 5 * time.Millisecond,
		SweepInterval:   time.Hour,
		Clock:           clock,
	})
	m.Start()
	assert.Eventually(t, func() bool { return keys.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()), "stop is idempotent")

	assert.Equal(t, 2.0, metrics.Value(metrics.NodesKnown.WithLabelValues(string(types.ProvenanceMeshtastic))))
	assert.Equal(t, 1.0, metrics.Value(metrics.NodesKnown.WithLabelValues(string(types.ProvenanceMeshCore))))
	assert.Equal(t, 1.0, metrics.Value(metrics.NodesWithKeys.WithLabelValues(string(types.ProvenanceMeshtastic))))
}

func TestStopRunsFinalSweep(t *testing.T) {
	reg, store := seeded(t)
	pub := &recordingPublisher{}

	m := New(Options{Registry: reg, Store: store, Publisher: pub, Retention: 30 * 24 * time.Hour, Clock: clock})
	m.Start()
	require.NoError(t, m.Stop(context.Background()))

	assert.Len(t, pub.ofType(events.EventRetentionSweepComplete), 1)
	assert.Equal(t, 1, reg.BufferedPackets())
}
