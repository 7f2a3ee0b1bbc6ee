package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/types"
)

// failingStore fails every write after the first failAfter successes
type failingStore struct {
	Store
	mu        sync.Mutex
	writes    int
	failAfter int
}

func (f *failingStore) InsertPacket(ctx context.Context, rec *types.PacketRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes >= f.failAfter {
		return errors.New("disk full")
	}
	f.writes++
	return nil
}

func (f *failingStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestWriterAppliesInOrder(t *testing.T) {
	metrics.ResetForTest()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), SQLiteFile))
	require.NoError(t, err)
	defer store.Close()

	w := NewWriter(store, 4, nil)
	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		w.SavePacket(packet(id, 1, now.Add(time.Duration(i)*time.Second)))
	}
	w.SaveNode(&types.Node{ID: 1, Provenance: types.ProvenanceMeshtastic, LongName: "One"})
	w.SaveContact(types.ProvenanceMeshtastic, &types.Contact{ID: 1, Name: "One"})
	w.Flush()

	got, err := store.PacketsSince(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "f", got[5].ID)

	node, err := store.GetNode(context.Background(), 1, types.ProvenanceMeshtastic)
	require.NoError(t, err)
	assert.Equal(t, "One", node.LongName)

	w.Close()
	w.Close()
	w.Flush() // no-op after close
	assert.False(t, w.Degraded())
}

func TestWriterDegradesToMemoryOnly(t *testing.T) {
	metrics.ResetForTest()
	store := &failingStore{failAfter: 1}
	pub := &recordingPublisher{}
	w := NewWriter(store, 16, pub)
	defer w.Close()

	now := time.Now()
	w.SavePacket(packet("ok", 1, now))
	w.SavePacket(packet("fails", 1, now))
	w.SavePacket(packet("dropped", 1, now))
	w.Flush()

	assert.True(t, w.Degraded())
	assert.Equal(t, 1, store.count())

	health, ok := metrics.Component(metrics.ComponentStorage)
	require.True(t, ok)
	assert.False(t, health.Healthy)
	assert.Equal(t, "unhealthy", metrics.GetHealth().Status)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventStoreDegraded, pub.events[0].Type)
}
