package metrics

import (
	"github.com/cuemby/meshbridge/pkg/types"
)

// Source is the read side of the registry that the collector samples
type Source interface {
	Count(prov types.Provenance) int
	Keys(prov types.Provenance) []*types.Node
	BufferedPackets() int
}

// Collector copies registry sizes into gauges
type Collector struct {
	source Source
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{source: source}
}

// Collect samples the source once
func (c *Collector) Collect() {
	for _, prov := range types.Provenances() {
		NodesKnown.WithLabelValues(string(prov)).Set(float64(c.source.Count(prov)))
		NodesWithKeys.WithLabelValues(string(prov)).Set(float64(len(c.source.Keys(prov))))
	}
	BufferedPackets.Set(float64(c.source.BufferedPackets()))
}
