package keysync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/types"
)

type write struct {
	key any
	pub []byte
}

type recordingCache struct {
	mu     sync.Mutex
	writes []write
}

func (c *recordingCache) Len() int                     { return 0 }
func (c *recordingCache) Snapshot() []radio.CachedNode { return nil }

func (c *recordingCache) SetPublicKey(key any, pub []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, write{key: key, pub: pub})
}

type plainIface struct {
	name  string
	cache *recordingCache
}

func (f *plainIface) Name() string { return f.name }
func (f *plainIface) Connect(context.Context) error { return nil }
func (f *plainIface) ReadPacket(context.Context) (*radio.Packet, error) { return nil, radio.ErrIdleTimeout }
func (f *plainIface) NodeCache() radio.NodeCache { return f.cache }
func (f *plainIface) LocalNodeID() types.NodeID { return 0 }
func (f *plainIface) Close() error { return nil }

type invalidatingIface struct {
	plainIface
	invalidated int
}

func (f *invalidatingIface) InvalidateNodeCache() error {
	f.invalidated++
	return nil
}

type refreshingIface struct {
	plainIface
	err error
}

func (f *refreshingIface) RefreshNodeCache(context.Context) error { return f.err }

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(e *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

type countingSink struct {
	mu       sync.Mutex
	nodes    int
	keyNodes int
}

func (c *countingSink) SaveNode(n *types.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes++
	if len(n.PublicKey) > 0 {
		c.keyNodes++
	}
}

func (c *countingSink) SavePacket(*types.PacketRecord) {}
func (c *countingSink) SaveContact(types.Provenance, *types.Contact) {}

func TestKeyOf(t *testing.T) {
	tests := []struct {
		name   string
		fields decode.Fields
		want   []byte
	}{
		{name: "top level", fields: decode.Fields{"publicKey": "AQID"}, want: []byte{1, 2, 3}},
		{name: "snake case", fields: decode.Fields{"public_key": "AQID"}, want: []byte{1, 2, 3}},
		{name: "nested under user", fields: decode.Fields{"user": map[string]any{"publicKey": "AQID"}}, want: []byte{1, 2, 3}},
		{name: "raw bytes", fields: decode.Fields{"publicKey": []byte{7}}, want: []byte{7}},
		{name: "absent", fields: decode.Fields{"user": map[string]any{"longName": "x"}}},
		{name: "empty", fields: decode.Fields{"publicKey": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := KeyOf(tt.fields)
			assert.Equal(t, tt.want != nil, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractKeyOnlyReportsChanges(t *testing.T) {
	pub := &recordingPublisher{}
	reg := registry.New(registry.Options{})
	s := New(reg, pub)
	const id = types.NodeID(0xa1b2c3d4)

	assert.True(t, s.ExtractKey(types.ProvenanceMeshtastic, id, decode.Fields{"publicKey": "AQID"}))
	assert.False(t, s.ExtractKey(types.ProvenanceMeshtastic, id, decode.Fields{"publicKey": "AQID"}))
	assert.True(t, s.ExtractKey(types.ProvenanceMeshtastic, id, decode.Fields{"publicKey": "BAUG"}))
	assert.False(t, s.ExtractKey(types.ProvenanceMeshtastic, id, decode.Fields{"longName": "no key"}))

	key, err := reg.PublicKey(id)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, key)

	var keyEvents []events.EventType
	for _, e := range pub.events {
		if e.Type == events.EventKeyLearned || e.Type == events.EventKeyChanged {
			keyEvents = append(keyEvents, e.Type)
		}
	}
	assert.Equal(t, []events.EventType{events.EventKeyLearned, events.EventKeyChanged}, keyEvents)
}

func TestIdenticalKeyIsPersistedOnce(t *testing.T) {
	sink := &countingSink{}
	reg := registry.New(registry.Options{Sink: sink})
	s := New(reg, nil)
	const id = types.NodeID(0xa1b2c3d4)

	require.True(t, s.ExtractKey(types.ProvenanceMeshtastic, id, decode.Fields{"publicKey": "AQID"}))
	require.False(t, s.ExtractKey(types.ProvenanceMeshtastic, id, decode.Fields{"publicKey": "AQID"}))

	assert.Equal(t, 1, sink.keyNodes)
	assert.Equal(t, 1, sink.nodes)
}

func TestUpsertIdentityWritesNamesAndKeyTogether(t *testing.T) {
	sink := &countingSink{}
	reg := registry.New(registry.Options{Sink: sink})
	s := New(reg, nil)
	const id = types.NodeID(7)
	name := "Ridge"
	fields := decode.Fields{"user": map[string]any{"longName": name, "publicKey": "AQID"}}

	changed, keyChanged := s.UpsertIdentity(types.ProvenanceMeshCore, id, registry.NodeUpdate{LongName: &name}, fields)
	assert.True(t, changed)
	assert.True(t, keyChanged)
	assert.Equal(t, 1, sink.nodes)

	changed, keyChanged = s.UpsertIdentity(types.ProvenanceMeshCore, id, registry.NodeUpdate{LongName: &name}, fields)
	assert.False(t, changed)
	assert.False(t, keyChanged)
	assert.Equal(t, 1, sink.nodes)

	renamed := "Ridge Top"
	changed, keyChanged = s.UpsertIdentity(types.ProvenanceMeshCore, id, registry.NodeUpdate{LongName: &renamed}, fields)
	assert.True(t, changed)
	assert.False(t, keyChanged)
	assert.Equal(t, 2, sink.nodes)

	node, err := reg.LookupIn(types.ProvenanceMeshCore, id)
	require.NoError(t, err)
	assert.Equal(t, "Ridge Top", node.LongName)
	assert.Equal(t, []byte{1, 2, 3}, node.PublicKey)
}

func TestExtractKeyKeepsNetworksApart(t *testing.T) {
	reg := registry.New(registry.Options{})
	s := New(reg, nil)
	const id = types.NodeID(42)

	require.True(t, s.ExtractKey(types.ProvenanceMeshCore, id, decode.Fields{"publicKey": "AQID"}))

	assert.Empty(t, reg.Keys(types.ProvenanceMeshtastic))
	assert.Len(t, reg.Keys(types.ProvenanceMeshCore), 1)
}

func TestSyncToInterfaceWritesBothIndexes(t *testing.T) {
	reg := registry.New(registry.Options{})
	s := New(reg, nil)
	s.ExtractKey(types.ProvenanceMeshtastic, 0x0000002a, decode.Fields{"publicKey": "AQID"})
	s.ExtractKey(types.ProvenanceMeshtastic, 0xa1b2c3d4, decode.Fields{"publicKey": "BAUG"})
	s.ExtractKey(types.ProvenanceMeshCore, 0x99, decode.Fields{"publicKey": "BwgJ"})

	iface := &invalidatingIface{plainIface: plainIface{name: "mt", cache: &recordingCache{}}}
	n, err := s.SyncToInterface(context.Background(), iface, types.ProvenanceMeshtastic)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, iface.invalidated)

	assert.Equal(t, []write{
		{key: uint64(0x2a), pub: []byte{1, 2, 3}},
		{key: "!0000002a", pub: []byte{1, 2, 3}},
		{key: uint64(0xa1b2c3d4), pub: []byte{4, 5, 6}},
		{key: "!a1b2c3d4", pub: []byte{4, 5, 6}},
	}, iface.cache.writes)
}

func TestSyncToInterfaceFallbackChain(t *testing.T) {
	reg := registry.New(registry.Options{})
	s := New(reg, nil)
	s.ExtractKey(types.ProvenanceMeshCore, 7, decode.Fields{"publicKey": "AQID"})

	refreshFailure := errors.New("refresh failed")
	refresher := &refreshingIface{plainIface: plainIface{name: "mc", cache: &recordingCache{}}, err: refreshFailure}
	_, err := s.SyncToInterface(context.Background(), refresher, types.ProvenanceMeshCore)
	assert.ErrorIs(t, err, refreshFailure)

	plain := &plainIface{name: "plain", cache: &recordingCache{}}
	n, err := s.SyncToInterface(context.Background(), plain, types.ProvenanceMeshCore)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, plain.cache.writes, 2)
}

func TestSyncAllVisitsRegisteredInterfaces(t *testing.T) {
	reg := registry.New(registry.Options{})
	s := New(reg, nil)
	s.ExtractKey(types.ProvenanceMeshtastic, 1, decode.Fields{"publicKey": "AQID"})

	a := &plainIface{name: "a", cache: &recordingCache{}}
	b := &plainIface{name: "b", cache: &recordingCache{}}
	s.Register(a, types.ProvenanceMeshtastic)
	s.Register(b, types.ProvenanceMeshtastic)
	s.Unregister("b")

	require.NoError(t, s.SyncAll(context.Background()))
	assert.Len(t, a.cache.writes, 2)
	assert.Empty(t, b.cache.writes)
}
