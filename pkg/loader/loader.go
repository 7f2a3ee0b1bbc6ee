package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/types"
)

// KeyExtractor takes key material found in a node-database entry
type KeyExtractor interface {
	ExtractKey(prov types.Provenance, id types.NodeID, fields decode.Fields) bool
}

// Summary tallies one initial load
type Summary struct {
	Total            int
	WithNeighbors    int
	WithoutNeighbors int
	NoNeighborInfo   int
	Stable           bool
	Waited           time.Duration
}

// Loader seeds the registry from a freshly connected interface's node cache
type Loader struct {
	reg       *registry.Registry
	keys      KeyExtractor
	publisher events.Publisher
	cfg       Config
}

// New creates a loader. keys and publisher may be nil.
func New(reg *registry.Registry, keys KeyExtractor, publisher events.Publisher, cfg Config) *Loader {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Loader{reg: reg, keys: keys, publisher: publisher, cfg: cfg}
}

// PopulateFromInterface waits for the node cache of iface to stop growing,
// then upserts every cached node under prov. A cache that never stabilizes
// is loaded as it stands when MaxWait runs out.
func (l *Loader) PopulateFromInterface(ctx context.Context, iface radio.Interface, prov types.Provenance) (Summary, error) {
	logger := log.WithProvenance("loader", string(prov)).With().Str("interface", iface.Name()).Logger()
	cache := iface.NodeCache()

	res, err := Stabilize(ctx, cache.Len, l.cfg)
	metrics.TopologyLoadDuration.WithLabelValues(iface.Name()).Observe(res.Waited.Seconds())
	if err != nil {
		return Summary{Waited: res.Waited}, fmt.Errorf("waiting for node cache: %w", err)
	}
	if !res.Stable {
		logger.Warn().
			Int("nodes", res.Count).
			Dur("waited", res.Waited).
			Msg("Node cache did not stabilize, loading partial data")
	}

	sum := Summary{Stable: res.Stable, Waited: res.Waited}
	for _, entry := range cache.Snapshot() {
		if entry.ID.IsZero() {
			continue
		}
		l.loadNode(logger, entry, prov)
		sum.Total++

		switch {
		case len(l.reg.NeighborsIn(prov, entry.ID)) > 0:
			sum.WithNeighbors++
		case l.reg.HasNeighborInfo(entry.ID, prov):
			sum.WithoutNeighbors++
		default:
			sum.NoNeighborInfo++
		}
	}

	logger.Info().
		Int("nodes", sum.Total).
		Int("with_neighbors", sum.WithNeighbors).
		Int("without_neighbors", sum.WithoutNeighbors).
		Int("no_neighbor_info", sum.NoNeighborInfo).
		Bool("stable", sum.Stable).
		Dur("waited", sum.Waited).
		Msg("Initial topology loaded")
	if sum.NoNeighborInfo > 0 {
		logger.Info().
			Int("nodes", sum.NoNeighborInfo).
			Msg("Nodes without neighbor info; expected until their first neighbor report")
	}

	l.publisher.Publish(&events.Event{
		Type:    events.EventTopologyLoaded,
		Message: fmt.Sprintf("%d nodes loaded from %s", sum.Total, iface.Name()),
		Metadata: map[string]string{
			"interface":  iface.Name(),
			"provenance": string(prov),
			"nodes":      fmt.Sprint(sum.Total),
		},
	})
	return sum, nil
}

func (l *Loader) loadNode(logger zerolog.Logger, entry radio.CachedNode, prov types.Provenance) {
	info := entry.Info
	ident := decode.IdentityOf(info)

	u := registry.NodeUpdate{
		LongName:  ident.LongName,
		ShortName: ident.ShortName,
		HWModel:   ident.HWModel,
	}
	if pos, bad := decode.Position(decode.Object(info, "position")); bad {
		logger.Debug().Str("node_id", entry.ID.Hex()).Msg("Malformed cached position")
	} else {
		u.Position = pos
	}
	u.Telemetry, _ = decode.Telemetry(info)
	if v, ok := decode.First(info, "lastHeard", "last_heard"); ok {
		if secs, ok := decode.Float(v); ok && secs > 0 {
			u.HeardAt = time.Unix(int64(secs), 0)
		}
	}

	l.reg.UpsertNode(entry.ID, u, prov)

	if l.keys != nil {
		l.keys.ExtractKey(prov, entry.ID, info)
	}

	if neighbors, _ := decode.Neighbors(info); neighbors != nil {
		at := u.HeardAt
		if at.IsZero() {
			at = time.Now()
		}
		l.reg.RecordNeighbors(entry.ID, prov, neighbors, at)
	}
}
