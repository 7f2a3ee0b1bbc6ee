package registry

import (
	"bytes"
	"time"

	"github.com/cuemby/meshbridge/pkg/types"
)

// NodeUpdate carries the attributes observed in one packet. Nil (or empty)
// fields were not observed and never overwrite stored values.
type NodeUpdate struct {
	LongName  *string
	ShortName *string
	HWModel   *string
	Position  *types.Position
	Telemetry *types.Telemetry
	PublicKey []byte
	HeardAt   time.Time
}

// Empty reports whether the update carries no attribute at all
func (u NodeUpdate) Empty() bool {
	return u.LongName == nil && u.ShortName == nil && u.HWModel == nil &&
		u.Position == nil && u.Telemetry.Empty() && len(u.PublicKey) == 0
}

// merge applies u to n and reports whether a significant field changed.
// Significant fields: names, hardware model, public key, position and every
// telemetry field. LastHeard is handled by the caller and never counts.
func merge(n *types.Node, u NodeUpdate) bool {
	changed := false

	changed = mergeString(&n.LongName, u.LongName) || changed
	changed = mergeString(&n.ShortName, u.ShortName) || changed
	changed = mergeString(&n.HWModel, u.HWModel) || changed

	if len(u.PublicKey) > 0 && !bytes.Equal(n.PublicKey, u.PublicKey) {
		n.PublicKey = bytes.Clone(u.PublicKey)
		changed = true
	}

	if u.Position != nil && !n.Position.Equal(u.Position) {
		p := *u.Position
		if u.Position.Altitude != nil {
			alt := *u.Position.Altitude
			p.Altitude = &alt
		}
		n.Position = &p
		changed = true
	}

	if !u.Telemetry.Empty() {
		if n.Telemetry == nil {
			n.Telemetry = &types.Telemetry{}
		}
		t := n.Telemetry
		changed = mergeFloat(&t.BatteryLevel, u.Telemetry.BatteryLevel) || changed
		changed = mergeFloat(&t.Voltage, u.Telemetry.Voltage) || changed
		changed = mergeFloat(&t.Temperature, u.Telemetry.Temperature) || changed
		changed = mergeFloat(&t.Humidity, u.Telemetry.Humidity) || changed
		changed = mergeFloat(&t.Pressure, u.Telemetry.Pressure) || changed
	}

	return changed
}

func mergeString(dst *string, v *string) bool {
	if v == nil || *v == "" || *dst == *v {
		return false
	}
	*dst = *v
	return true
}

func mergeFloat(dst **float64, v *float64) bool {
	if v == nil || (*dst != nil && **dst == *v) {
		return false
	}
	f := *v
	*dst = &f
	return true
}
