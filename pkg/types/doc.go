/*
Package types defines the core data structures shared by every meshbridge
package.

The types package is the leaf of the dependency graph. It holds the node and
packet model that the registry keeps in memory, the storage backends persist,
and the topology engine reads back.

# Core Types

Identity:
  - NodeID: canonical identifier, with explicit conversions to and from the
    numeric and "!hex" forms transports use
  - Provenance: which logical network (meshtastic or meshcore) reported an
    observation
  - Contact: per-network identity record

Observations:
  - PacketRecord: one observed transmission with signal quality and hop
    accounting
  - PacketPayload: decoded summary (text, position, telemetry, neighbors)
  - PortNum: application type tag

Attributes:
  - Node: last-known attributes of a participant
  - Position, Telemetry: optional snapshots; nil fields were never reported
  - Neighbor, NeighborEdge: adjacency observations

# Optional Values

Transports omit fields freely. Every optional number is a pointer so that
"not reported" stays distinct from zero:

	snr := rec.SNR        // nil: radio did not report SNR
	if rec.HopsTaken != nil {
		fmt.Printf("%d hops\n", *rec.HopsTaken)
	}

HopsTaken is derived with HopsTaken(hopStart, hopLimit) and is nil whenever
either input is missing or the radio reported a hop limit above the hop
start.

# Identifier Forms

	id, _ := types.ParseNodeID("!a1b2c3d4")
	id2, _ := types.ParseNodeID("a1b2c3d4")
	id3, _ := types.NodeIDFrom(uint32(0xa1b2c3d4))
	// id == id2 == id3
	id.Hex()    // "!a1b2c3d4"
	id.Uint64() // 2712847316
*/
package types
