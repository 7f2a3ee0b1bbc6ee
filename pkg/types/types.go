package types

import (
	"bytes"
	"time"
)

// Provenance identifies which logical radio network an observation came from
type Provenance string

const (
	ProvenanceMeshtastic Provenance = "meshtastic"
	ProvenanceMeshCore   Provenance = "meshcore"
)

// Valid reports whether p is one of the known networks
func (p Provenance) Valid() bool {
	return p == ProvenanceMeshtastic || p == ProvenanceMeshCore
}

// Provenances lists every logical network in a stable order
func Provenances() []Provenance {
	return []Provenance{ProvenanceMeshtastic, ProvenanceMeshCore}
}

// Position is a last-known location fix
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  *int    `json:"altitude,omitempty"`
}

// Equal compares two positions, treating nil as "no fix"
func (p *Position) Equal(o *Position) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Latitude == o.Latitude && p.Longitude == o.Longitude && intPtrEqual(p.Altitude, o.Altitude)
}

// Telemetry is the last-seen device/environment snapshot. Every field is
// optional; a nil field was not reported.
type Telemetry struct {
	BatteryLevel *float64 `json:"battery_level,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	Pressure     *float64 `json:"pressure,omitempty"`
}

// Empty reports whether no field is set
func (t *Telemetry) Empty() bool {
	return t == nil || (t.BatteryLevel == nil && t.Voltage == nil && t.Temperature == nil &&
		t.Humidity == nil && t.Pressure == nil)
}

// Node is one radio-network participant
type Node struct {
	ID         NodeID
	Provenance Provenance
	LongName   string
	ShortName  string
	HWModel    string
	Position   *Position
	Telemetry  *Telemetry
	PublicKey  []byte
	LastHeard  time.Time
	UpdatedAt  time.Time
}

// Clone returns a deep copy so callers never share registry memory
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Position != nil {
		p := *n.Position
		p.Altitude = cloneInt(n.Position.Altitude)
		c.Position = &p
	}
	if n.Telemetry != nil {
		t := Telemetry{
			BatteryLevel: cloneFloat(n.Telemetry.BatteryLevel),
			Voltage:      cloneFloat(n.Telemetry.Voltage),
			Temperature:  cloneFloat(n.Telemetry.Temperature),
			Humidity:     cloneFloat(n.Telemetry.Humidity),
			Pressure:     cloneFloat(n.Telemetry.Pressure),
		}
		c.Telemetry = &t
	}
	if n.PublicKey != nil {
		c.PublicKey = bytes.Clone(n.PublicKey)
	}
	return &c
}

// DisplayName prefers the long name, then the short name, then the hex id
func (n *Node) DisplayName() string {
	switch {
	case n.LongName != "":
		return n.LongName
	case n.ShortName != "":
		return n.ShortName
	}
	return n.ID.Hex()
}

// Contact is a per-network identity record. Each network keeps its contacts
// in its own table.
type Contact struct {
	ID          NodeID
	Name        string
	HWModel     string
	PublicKey   []byte
	LastAdvert  time.Time
	LastUpdated time.Time
}

// Neighbor is one entry of a neighbor-info report
type Neighbor struct {
	ID  NodeID   `json:"id"`
	SNR *float64 `json:"snr,omitempty"`
}

// NeighborEdge is an observed adjacency between two nodes
type NeighborEdge struct {
	NodeA      NodeID
	NodeB      NodeID
	Provenance Provenance
	SNR        *float64
	RSSI       *int
	HopsTaken  *int
	ObservedAt time.Time
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }
