package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/types"
)

// ConvertStats counts the rows copied by Convert
type ConvertStats struct {
	Packets  int
	Nodes    int
	Contacts map[types.Provenance]int
}

// Convert copies every packet, node and contact from src into dst. Packets
// already present in dst (same id) are skipped by the SQLite backend, so a
// conversion can be re-run after an interruption. With dryRun set nothing is
// written and the returned stats describe what would be copied.
func Convert(ctx context.Context, src, dst Store, dryRun bool) (*ConvertStats, error) {
	logger := log.WithComponent("convert")
	stats := &ConvertStats{Contacts: make(map[types.Provenance]int)}

	packets, err := src.PacketsSince(ctx, time.Unix(0, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to read packets: %w", err)
	}
	for _, rec := range packets {
		if !dryRun {
			if err := dst.InsertPacket(ctx, rec); err != nil {
				return stats, fmt.Errorf("failed to copy packet %s: %w", rec.ID, err)
			}
		}
		stats.Packets++
	}
	logger.Info().Int("packets", stats.Packets).Bool("dry_run", dryRun).Msg("Packets copied")

	nodes, err := src.ListNodes(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read nodes: %w", err)
	}
	for _, node := range nodes {
		if !dryRun {
			if err := dst.UpsertNode(ctx, node); err != nil {
				return stats, fmt.Errorf("failed to copy node %s: %w", node.ID, err)
			}
		}
		stats.Nodes++
	}
	logger.Info().Int("nodes", stats.Nodes).Bool("dry_run", dryRun).Msg("Nodes copied")

	for _, prov := range types.Provenances() {
		contacts, err := src.ListContacts(ctx, prov)
		if err != nil {
			return stats, fmt.Errorf("failed to read %s contacts: %w", prov, err)
		}
		for _, c := range contacts {
			if !dryRun {
				if err := dst.UpsertContact(ctx, prov, c); err != nil {
					return stats, fmt.Errorf("failed to copy %s contact %s: %w", prov, c.ID, err)
				}
			}
			stats.Contacts[prov]++
		}
	}
	return stats, nil
}
