package radio

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/types"
)

// KeyWriter stores key material into a node entry using the decoder's own
// field layout. It may set top-level fields of entry but must replace, not
// mutate, nested objects: snapshots share them.
type KeyWriter func(entry decode.Fields, pub []byte)

// MapCache is a node database indexed both by node number and by string id,
// the two ways decoders index their caches. Both indexes share the entry, so
// a write through either is visible through the other.
//
// Keys set for a node the cache has not seen yet are held and applied when
// the node arrives.
type MapCache struct {
	mu      sync.RWMutex
	byNum   map[uint64]decode.Fields
	byID    map[string]decode.Fields
	ids     map[uint64]types.NodeID
	pending map[any][]byte
	setKey  KeyWriter
	onSet   func(key any, pub []byte)
}

// NewMapCache creates an empty cache. onSet, when non-nil, is called after
// every SetPublicKey (adapters forward the key to the decoder).
func NewMapCache(setKey KeyWriter, onSet func(key any, pub []byte)) *MapCache {
	return &MapCache{
		byNum:   make(map[uint64]decode.Fields),
		byID:    make(map[string]decode.Fields),
		ids:     make(map[uint64]types.NodeID),
		pending: make(map[any][]byte),
		setKey:  setKey,
		onSet:   onSet,
	}
}

// Put inserts or replaces the entry for id
func (c *MapCache) Put(id types.NodeID, info decode.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info == nil {
		info = decode.Fields{}
	}
	num, hexID := id.Uint64(), id.Hex()
	c.byNum[num] = info
	c.byID[hexID] = info
	c.ids[num] = id

	for _, key := range []any{num, hexID} {
		if pub, ok := c.pending[key]; ok {
			c.setKey(info, pub)
			delete(c.pending, key)
		}
	}
}

// Get returns the entry for a node number or string id
func (c *MapCache) Get(key any) (decode.Fields, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry := c.lookup(key)
	return entry, entry != nil
}

func (c *MapCache) lookup(key any) decode.Fields {
	switch k := key.(type) {
	case uint64:
		return c.byNum[k]
	case string:
		return c.byID[k]
	case types.NodeID:
		return c.byNum[k.Uint64()]
	}
	return nil
}

// Len returns the number of distinct nodes
func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byNum)
}

// Snapshot returns the entries ordered by node number. Entries are shallow
// copies; callers must not mutate nested objects.
func (c *MapCache) Snapshot() []CachedNode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CachedNode, 0, len(c.byNum))
	for num, entry := range c.byNum {
		info := make(decode.Fields, len(entry))
		for k, v := range entry {
			info[k] = v
		}
		out = append(out, CachedNode{ID: c.ids[num], Info: info})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPublicKey writes key material under key (uint64 or string)
func (c *MapCache) SetPublicKey(key any, pub []byte) {
	pub = bytes.Clone(pub)

	c.mu.Lock()
	if entry := c.lookup(key); entry != nil {
		c.setKey(entry, pub)
	} else {
		c.pending[key] = pub
	}
	c.mu.Unlock()

	if c.onSet != nil {
		c.onSet(key, pub)
	}
}
