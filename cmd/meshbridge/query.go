package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/storage"
	"github.com/cuemby/meshbridge/pkg/topology"
	"github.com/cuemby/meshbridge/pkg/types"
)

// openEngine opens the configured store read side and restores its nodes
// so name lookups work without a running bridge
func openEngine(ctx context.Context) (*topology.Engine, *registry.Registry, func(), error) {
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	nodes, err := store.ListNodes(ctx)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	reg := registry.New(registry.Options{})
	reg.Restore(nodes)

	engine := topology.New(topology.Options{Store: store, Registry: reg})
	return engine, reg, func() { _ = store.Close() }, nil
}

func emitJSON(cmd *cobra.Command, v any) (bool, error) {
	asJSON, _ := cmd.Flags().GetBool("json")
	if !asJSON {
		return false, nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

// Report commands
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Topology reports over stored traffic",
}

var reportPropagationCmd = &cobra.Command{
	Use:   "propagation",
	Short: "Best observed link per node pair, strongest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")
		top, _ := cmd.Flags().GetInt("top")

		engine, reg, done, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		links, err := engine.PropagationReport(cmd.Context(), window, top)
		if err != nil {
			return err
		}
		if ok, err := emitJSON(cmd, links); ok {
			return err
		}
		if len(links) == 0 {
			fmt.Printf("No links heard in the last %s\n", window)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(w, "NODE A\tNODE B\tNETWORK\tSNR\tRSSI\tHOPS\tSEEN\tLAST HEARD\n")
		for _, l := range links {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				nodeLabel(reg, l.NodeA, l.Provenance),
				nodeLabel(reg, l.NodeB, l.Provenance),
				l.Provenance,
				optFloat(l.SNR, "%.1f dB"),
				optInt(l.RSSI, "%d dBm"),
				optInt(l.HopsTaken, "%d"),
				l.Observations,
				l.Timestamp.Local().Format(time.DateTime),
			)
		}
		return w.Flush()
	},
}

func init() {
	reportCmd.AddCommand(reportPropagationCmd)

	reportPropagationCmd.Flags().Duration("window", 24*time.Hour, "How far back to look")
	reportPropagationCmd.Flags().Int("top", 20, "Number of links to show (0 for all)")
	reportPropagationCmd.Flags().Bool("json", false, "Print JSON instead of a table")
}

// Node commands
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect known nodes",
}

var nodesActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Nodes heard within a window, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")

		engine, _, done, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		nodes, err := engine.ActiveNodes(cmd.Context(), window)
		if err != nil {
			return err
		}
		if ok, err := emitJSON(cmd, nodes); ok {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tNETWORK\tPACKETS\tLAST HEARD\tPOSITION\n")
		for _, n := range nodes {
			pos := "-"
			if n.Position != nil {
				pos = fmt.Sprintf("%.5f,%.5f (%s)", n.Position.Latitude, n.Position.Longitude, n.PositionSource)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				n.ID.Hex(), n.Name, n.Provenance, n.Packets, n.LastSeen.Local().Format(time.DateTime), pos)
		}
		return w.Flush()
	},
}

var nodesLookupCmd = &cobra.Command{
	Use:   "lookup REF",
	Short: "Resolve a node by !hex id, 0x hex, bare hex, decimal number or name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, done, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		node, err := engine.LookupNode(args[0])
		if err != nil {
			return err
		}
		if ok, err := emitJSON(cmd, node); ok {
			return err
		}
		printNode(os.Stdout, node)
		return nil
	},
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored node",
	RunE: func(cmd *cobra.Command, args []string) error {
		network, _ := cmd.Flags().GetString("network")

		_, reg, done, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer done()

		var nodes []*types.Node
		for _, prov := range types.Provenances() {
			if network == "" || network == string(prov) {
				nodes = append(nodes, reg.Nodes(prov)...)
			}
		}
		if ok, err := emitJSON(cmd, nodes); ok {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tSHORT\tNETWORK\tHW\tKEY\tLAST HEARD\n")
		for _, n := range nodes {
			key := "no"
			if len(n.PublicKey) > 0 {
				key = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				n.ID.Hex(), n.DisplayName(), n.ShortName, n.Provenance, n.HWModel, key, lastHeard(n))
		}
		return w.Flush()
	},
}

func init() {
	nodesCmd.AddCommand(nodesActiveCmd)
	nodesCmd.AddCommand(nodesLookupCmd)
	nodesCmd.AddCommand(nodesListCmd)

	nodesActiveCmd.Flags().Duration("window", time.Hour, "How far back to look")
	nodesListCmd.Flags().String("network", "", "Only nodes of this network (meshtastic or meshcore)")
	for _, c := range []*cobra.Command{nodesActiveCmd, nodesLookupCmd, nodesListCmd} {
		c.Flags().Bool("json", false, "Print JSON instead of a table")
	}
}

func printNode(out io.Writer, n *types.Node) {
	fmt.Fprintf(out, "Node %s (%d)\n", n.ID.Hex(), n.ID.Uint64())
	fmt.Fprintf(out, "  Name:       %s\n", n.DisplayName())
	if n.ShortName != "" {
		fmt.Fprintf(out, "  Short name: %s\n", n.ShortName)
	}
	fmt.Fprintf(out, "  Network:    %s\n", n.Provenance)
	if n.HWModel != "" {
		fmt.Fprintf(out, "  Hardware:   %s\n", n.HWModel)
	}
	if n.Position != nil {
		fmt.Fprintf(out, "  Position:   %.5f, %.5f\n", n.Position.Latitude, n.Position.Longitude)
	}
	if len(n.PublicKey) > 0 {
		fmt.Fprintf(out, "  Public key: %x\n", n.PublicKey)
	} else {
		fmt.Fprintf(out, "  Public key: none\n")
	}
	fmt.Fprintf(out, "  Last heard: %s\n", lastHeard(n))
}

func nodeLabel(reg *registry.Registry, id types.NodeID, prov types.Provenance) string {
	if n, err := reg.LookupIn(prov, id); err == nil && n.LongName != "" {
		return fmt.Sprintf("%s (%s)", strings.TrimSpace(n.LongName), id.Hex())
	}
	return id.Hex()
}

func lastHeard(n *types.Node) string {
	if n.LastHeard.IsZero() {
		return "never"
	}
	return n.LastHeard.Local().Format(time.DateTime)
}

func optFloat(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func optInt(v *int, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}
