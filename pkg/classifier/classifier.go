package classifier

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/radio/meshcore"
	"github.com/cuemby/meshbridge/pkg/radio/meshtastic"
	"github.com/cuemby/meshbridge/pkg/types"
)

// Config carries the network flags
type Config struct {
	MeshtasticEnabled bool
	MeshCoreEnabled   bool
	DualMode          bool
}

// Classifier resolves which network delivered a packet
type Classifier struct {
	cfg      Config
	fallback types.Provenance
	logger   zerolog.Logger
}

// New creates a classifier. The fallback network is the one single-network
// mode would use: MeshCore only when it is the sole enabled network.
func New(cfg Config) *Classifier {
	fallback := types.ProvenanceMeshtastic
	if cfg.MeshCoreEnabled && !cfg.MeshtasticEnabled {
		fallback = types.ProvenanceMeshCore
	}
	return &Classifier{
		cfg:      cfg,
		fallback: fallback,
		logger:   log.WithComponent("classifier"),
	}
}

// Classify returns the provenance of a packet delivered by iface. explicit
// is the tag carried alongside the packet, if any.
//
// In dual mode the enabled flags are never consulted: both are true, so
// they say nothing about which radio produced this packet.
func (c *Classifier) Classify(iface any, explicit types.Provenance) types.Provenance {
	if !c.cfg.DualMode {
		c.logger.Trace().Str("branch", "single").Str("provenance", string(c.fallback)).Msg("Classified")
		return c.fallback
	}

	switch i := iface.(type) {
	case *meshtastic.Interface:
		c.logger.Trace().Str("branch", "type").Str("interface", i.Name()).Msg("Classified as meshtastic")
		return types.ProvenanceMeshtastic
	case *meshcore.Interface:
		c.logger.Trace().Str("branch", "type").Str("interface", i.Name()).Msg("Classified as meshcore")
		return types.ProvenanceMeshCore
	}

	if r, ok := iface.(radio.ProvenanceReporter); ok {
		if prov := r.Provenance(); prov.Valid() {
			c.logger.Trace().Str("branch", "reporter").Str("provenance", string(prov)).Msg("Classified")
			return prov
		}
	}

	if explicit.Valid() {
		c.logger.Trace().Str("branch", "explicit").Str("provenance", string(explicit)).Msg("Classified")
		return explicit
	}

	metrics.ClassifierFallbacksTotal.Inc()
	c.logger.Warn().
		Str("branch", "fallback").
		Str("interface_type", typeName(iface)).
		Str("provenance", string(c.fallback)).
		Msg("Could not determine packet source, using default network")
	return c.fallback
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	if n, ok := v.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}
