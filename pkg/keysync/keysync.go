package keysync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/types"
)

type target struct {
	iface radio.Interface
	prov  types.Provenance
}

// Synchronizer learns public keys from identity broadcasts and pushes the
// stored keys back into interface node caches
type Synchronizer struct {
	reg       *registry.Registry
	publisher events.Publisher
	logger    zerolog.Logger

	mu      sync.Mutex
	targets map[string]target
}

// New creates a synchronizer over reg
func New(reg *registry.Registry, publisher events.Publisher) *Synchronizer {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Synchronizer{
		reg:       reg,
		publisher: publisher,
		logger:    log.WithComponent("keysync"),
		targets:   make(map[string]target),
	}
}

// KeyOf reads key material from a decoded identity payload. The key may sit
// at the top level or under "user", spelled publicKey or public_key.
func KeyOf(fields decode.Fields) ([]byte, bool) {
	for _, src := range []decode.Fields{fields, decode.Object(fields, "user")} {
		if src == nil {
			continue
		}
		if v, ok := decode.First(src, "publicKey", "public_key"); ok {
			return decode.Bytes(v)
		}
	}
	return nil, false
}

// ExtractKey stores the key carried in fields for node id. It reports true
// only when the key is new or differs from the stored one; a repeated
// announcement of the same key is not a change and is not persisted.
func (s *Synchronizer) ExtractKey(prov types.Provenance, id types.NodeID, fields decode.Fields) bool {
	if _, ok := KeyOf(fields); !ok || id.IsZero() {
		return false
	}
	_, keyChanged := s.UpsertIdentity(prov, id, registry.NodeUpdate{}, fields)
	return keyChanged
}

// UpsertIdentity merges u together with any key carried in fields into the
// node in a single registry write. changed reports whether any significant
// field changed, keyChanged whether the key did.
func (s *Synchronizer) UpsertIdentity(prov types.Provenance, id types.NodeID, u registry.NodeUpdate, fields decode.Fields) (changed, keyChanged bool) {
	key, hasKey := KeyOf(fields)
	var prev []byte
	if hasKey && !id.IsZero() {
		if n, err := s.reg.LookupIn(prov, id); err == nil {
			prev = n.PublicKey
		}
		if bytes.Equal(prev, key) {
			s.logger.Debug().Str("node_id", id.Hex()).Str("provenance", string(prov)).Msg("Public key unchanged")
		} else {
			u.PublicKey = key
			keyChanged = true
		}
	}

	changed = s.reg.UpsertNode(id, u, prov)
	if !changed || !keyChanged {
		return changed, false
	}

	evType, msg := events.EventKeyLearned, "Public key learned"
	if len(prev) > 0 {
		evType, msg = events.EventKeyChanged, "Public key changed"
	}
	metrics.KeysLearnedTotal.WithLabelValues(string(prov)).Inc()
	s.logger.Info().
		Str("node_id", id.Hex()).
		Str("provenance", string(prov)).
		Int("key_len", len(key)).
		Msg(msg)
	s.publisher.Publish(&events.Event{
		Type:     evType,
		Message:  msg,
		Metadata: map[string]string{"node_id": id.Hex(), "provenance": string(prov)},
	})
	return true, true
}

// SyncToInterface writes every stored key of network prov into the node
// cache of iface, under both the numeric and the "!hex" index since
// decoders index by either. The cache is then invalidated through whichever
// contract the adapter offers. It returns the number of keys written.
func (s *Synchronizer) SyncToInterface(ctx context.Context, iface radio.Interface, prov types.Provenance) (int, error) {
	logger := log.WithInterface("keysync", iface.Name())
	cache := iface.NodeCache()

	nodes := s.reg.Keys(prov)
	for _, n := range nodes {
		cache.SetPublicKey(n.ID.Uint64(), n.PublicKey)
		cache.SetPublicKey(n.ID.Hex(), n.PublicKey)
	}
	metrics.KeysInjectedTotal.WithLabelValues(iface.Name()).Add(float64(len(nodes)))

	var err error
	switch i := iface.(type) {
	case radio.Invalidator:
		err = i.InvalidateNodeCache()
	case radio.Refresher:
		err = i.RefreshNodeCache(ctx)
	default:
		logger.Debug().Msg("Interface offers no cache invalidation, keys apply on next lookup")
	}
	if err != nil {
		return len(nodes), fmt.Errorf("invalidating node cache of %s: %w", iface.Name(), err)
	}

	logger.Debug().Int("keys", len(nodes)).Str("provenance", string(prov)).Msg("Keys synchronized")
	return len(nodes), nil
}

// Register adds a connected interface to the periodic sync
func (s *Synchronizer) Register(iface radio.Interface, prov types.Provenance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[iface.Name()] = target{iface: iface, prov: prov}
}

// Unregister removes a disconnected interface
func (s *Synchronizer) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, name)
}

// SyncAll runs SyncToInterface for every registered interface. A failure on
// one interface does not stop the others.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.targets))
	for name := range s.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	targets := make([]target, 0, len(names))
	for _, name := range names {
		targets = append(targets, s.targets[name])
	}
	s.mu.Unlock()

	var errs []error
	for _, t := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.SyncToInterface(ctx, t.iface, t.prov); err != nil {
			s.logger.Warn().Err(err).Str("interface", t.iface.Name()).Msg("Key sync failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
