package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbridge/pkg/config"
	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/storage"
	"github.com/cuemby/meshbridge/pkg/types"
)

// liveIface delivers its queued packets and then stays connected until the
// reader cancels it
type liveIface struct {
	name    string
	packets chan *radio.Packet
	cache   *radio.MapCache

	mu     sync.Mutex
	closed bool
}

func newLive(name string, cached map[types.NodeID]decode.Fields, pkts ...decode.Fields) *liveIface {
	cache := radio.NewMapCache(func(entry decode.Fields, pub []byte) { entry["publicKey"] = pub }, nil)
	for id, info := range cached {
		cache.Put(id, info)
	}
	ch := make(chan *radio.Packet, len(pkts))
	for _, f := range pkts {
		ch <- &radio.Packet{Fields: f, Received: time.Now()}
	}
	return &liveIface{name: name, packets: ch, cache: cache}
}

func (f *liveIface) Name() string                  { return f.name }
func (f *liveIface) Connect(context.Context) error { return nil }
func (f *liveIface) NodeCache() radio.NodeCache    { return f.cache }
func (f *liveIface) LocalNodeID() types.NodeID     { return 0x99 }

func (f *liveIface) ReadPacket(ctx context.Context) (*radio.Packet, error) {
	select {
	case pkt := <-f.packets:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *liveIface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *liveIface) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Metrics.Addr = ""
	cfg.Loader.InitialWait = 0
	cfg.Loader.PollInterval = 10 * time.Millisecond
	cfg.Loader.MaxWait = 200 * time.Millisecond
	cfg.KeySync.Interval = time.Hour
	return cfg
}

func TestBridgeIngestsAndPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	const n1 = types.NodeID(0xa1b2c3d4)

	iface := newLive(cfg.Meshtastic.Name,
		map[types.NodeID]decode.Fields{
			0x10: {"num": 16.0, "user": map[string]any{"id": "!00000010", "longName": "Base Camp"}},
		},
		decode.Fields{
			"from": float64(n1),
			"to":   float64(types.BroadcastID),
			"decoded": map[string]any{
				"portnum":  "POSITION_APP",
				"position": map[string]any{"latitudeI": 488500000.0, "longitudeI": 23500000.0},
			},
		},
		decode.Fields{
			"from": float64(n1),
			"decoded": map[string]any{
				"portnum": "NODEINFO_APP",
				"user":    map[string]any{"id": "!a1b2c3d4", "longName": "Hilltop Relay", "publicKey": "AQIDBA=="},
			},
		},
	)

	b, err := New(ctx, cfg, Options{Factories: map[string]radio.Factory{
		cfg.Meshtastic.Name: func() (radio.Interface, error) { return iface, nil },
	}})
	require.NoError(t, err)

	sub := b.Subscribe()
	var (
		mu   sync.Mutex
		seen []events.EventType
	)
	go func() {
		for ev := range sub {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
		}
	}()

	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool {
		key, err := b.PublicKey(n1)
		return err == nil && len(key) == 4
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		node, err := b.Registry().Lookup("!00000010")
		return err == nil && node.LongName == "Base Camp"
	}, 2*time.Second, 10*time.Millisecond, "node cache loaded on connect")

	node, err := b.Engine().LookupNode("hilltop relay")
	require.NoError(t, err)
	assert.Equal(t, n1, node.ID)

	// Store writes are asynchronous
	require.Eventually(t, func() bool {
		active, err := b.Engine().ActiveNodes(ctx, time.Hour)
		return err == nil && len(active) == 1 && active[0].Name == "Hilltop Relay"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var connected, learned bool
		for _, et := range seen {
			connected = connected || et == events.EventInterfaceConnected
			learned = learned || et == events.EventKeyLearned
		}
		return connected && learned
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx), "shutdown is idempotent")
	assert.True(t, iface.isClosed())

	// Everything queued before shutdown reached the store
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	require.NoError(t, err)
	defer store.Close()

	stored, err := store.GetNode(ctx, n1, types.ProvenanceMeshtastic)
	require.NoError(t, err)
	assert.Equal(t, "Hilltop Relay", stored.LongName)
	assert.Equal(t, []byte{1, 2, 3, 4}, stored.PublicKey)

	pkts, err := store.PacketsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, pkts, 2)
}

func TestBridgeRestoresNodesOnStart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	require.NoError(t, err)
	require.NoError(t, store.UpsertNode(ctx, &types.Node{
		ID:         0x2a,
		Provenance: types.ProvenanceMeshtastic,
		LongName:   "Old Timer",
		PublicKey:  []byte{9, 9},
	}))
	require.NoError(t, store.Close())

	b, err := New(ctx, cfg, Options{Factories: map[string]radio.Factory{
		cfg.Meshtastic.Name: func() (radio.Interface, error) { return newLive(cfg.Meshtastic.Name, nil), nil },
	}})
	require.NoError(t, err)
	defer b.Shutdown(ctx)

	key, err := b.PublicKey(0x2a)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, key)
}

func TestBridgeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Meshtastic.Enabled = false
	cfg.MeshCore.Enabled = false

	_, err := New(context.Background(), cfg, Options{})
	assert.ErrorContains(t, err, "at least one of meshtastic or meshcore")
}

func TestHealthEndpoints(t *testing.T) {
	mux := newMux()

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{name: "metrics", method: http.MethodGet, path: "/metrics", expectedStatus: http.StatusOK},
		{name: "health POST rejected", method: http.MethodPost, path: "/health", expectedStatus: http.StatusMethodNotAllowed},
		{name: "ready DELETE rejected", method: http.MethodDelete, path: "/ready", expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "meshbridge_buffered_packets")
}
