package types

import "time"

// PortNum is the application/payload type tag of a packet
type PortNum string

const (
	PortText       PortNum = "TEXT_MESSAGE_APP"
	PortPosition   PortNum = "POSITION_APP"
	PortNodeInfo   PortNum = "NODEINFO_APP"
	PortTelemetry  PortNum = "TELEMETRY_APP"
	PortNeighbor   PortNum = "NEIGHBORINFO_APP"
	PortTraceroute PortNum = "TRACEROUTE_APP"
	PortRouting    PortNum = "ROUTING_APP"
	PortAdvert     PortNum = "ADVERT" // MeshCore identity advertisement
	PortUnknown    PortNum = "UNKNOWN"
)

// IsIdentity reports whether packets of this type are identity broadcasts
func (p PortNum) IsIdentity() bool {
	return p == PortNodeInfo || p == PortAdvert
}

// PacketPayload is the decoded-payload summary kept with a packet record.
// Only the member matching the packet type is set.
type PacketPayload struct {
	Text      string     `json:"text,omitempty"`
	Position  *Position  `json:"position,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
	Neighbors []Neighbor `json:"neighbors,omitempty"`
}

// PacketRecord is one observed transmission. Records are immutable once
// appended.
type PacketRecord struct {
	ID         string
	From       NodeID
	To         NodeID
	RxNode     NodeID // local node of the interface that heard the packet, 0 if unknown
	Timestamp  time.Time
	Port       PortNum
	Channel    *int
	SNR        *float64
	RSSI       *int
	HopLimit   *int
	HopStart   *int
	HopsTaken  *int
	Provenance Provenance
	Interface  string
	Payload    *PacketPayload
}

// HopsTaken derives hops traversed from the configured initial TTL and the
// remaining TTL at reception. The result is nil unless both are known, and
// nil when the difference would be negative (a non-monotonic radio report).
func HopsTaken(hopStart, hopLimit *int) *int {
	if hopStart == nil || hopLimit == nil {
		return nil
	}
	d := *hopStart - *hopLimit
	if d < 0 {
		return nil
	}
	return &d
}

// HasSignal reports whether at least one signal-quality metric is present
func (p *PacketRecord) HasSignal() bool {
	return p.SNR != nil || p.RSSI != nil
}

// LinkPeer returns the node at the other end of the radio link this record
// measured. Unicast packets pair sender with destination; broadcasts only
// describe a link when the receiving radio heard them directly.
func (p *PacketRecord) LinkPeer() (NodeID, bool) {
	if !p.To.IsZero() && !p.To.IsBroadcast() {
		return p.To, true
	}
	if !p.RxNode.IsZero() && p.HopsTaken != nil && *p.HopsTaken == 0 {
		return p.RxNode, true
	}
	return 0, false
}
