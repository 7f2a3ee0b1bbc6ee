package decode

import (
	"math"

	"github.com/cuemby/meshbridge/pkg/types"
)

// Identity is the descriptive part of an identity broadcast. Key material is
// read separately by the key synchronizer.
type Identity struct {
	ID        types.NodeID
	LongName  *string
	ShortName *string
	HWModel   *string
}

// Empty reports whether no descriptive field was present
func (i Identity) Empty() bool {
	return i.LongName == nil && i.ShortName == nil && i.HWModel == nil
}

// NodeID reads a node identifier from the first present key
func NodeID(m Fields, names ...string) (types.NodeID, bool) {
	v, ok := First(m, names...)
	if !ok {
		return 0, false
	}
	id, err := types.NodeIDFrom(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Position reads a location fix. Degree values and the integer 1e-7 forms
// are both accepted. A 0,0 fix means "no fix" and yields nil.
func Position(m Fields) (*types.Position, bool) {
	if m == nil {
		return nil, false
	}
	lat, latBad := coordinate(m, []string{"latitude", "lat"}, []string{"latitudeI", "latitude_i"})
	lon, lonBad := coordinate(m, []string{"longitude", "lon", "lng"}, []string{"longitudeI", "longitude_i"})
	if latBad || lonBad {
		return nil, true
	}
	if lat == nil || lon == nil {
		return nil, lat != nil || lon != nil
	}
	if math.Abs(*lat) > 90 || math.Abs(*lon) > 180 {
		return nil, true
	}
	if *lat == 0 && *lon == 0 {
		return nil, false
	}

	pos := &types.Position{Latitude: *lat, Longitude: *lon}
	alt, altBad := IntField(m, "altitude", "alt")
	if !altBad {
		pos.Altitude = alt
	}
	return pos, altBad
}

func coordinate(m Fields, degrees, scaled []string) (*float64, bool) {
	if v, bad := FloatField(m, degrees...); v != nil || bad {
		return v, bad
	}
	v, bad := FloatField(m, scaled...)
	if v == nil {
		return nil, bad
	}
	f := *v * 1e-7
	return &f, false
}

// Telemetry reads device and environment metrics, either flat or nested the
// way the Meshtastic decoder nests them. The second result counts malformed
// fields.
func Telemetry(m Fields) (*types.Telemetry, int) {
	if m == nil {
		return nil, 0
	}
	sources := []Fields{
		m,
		Object(m, "deviceMetrics", "device_metrics"),
		Object(m, "environmentMetrics", "environment_metrics"),
	}

	t := &types.Telemetry{}
	malformed := 0
	pick := func(dst **float64, names ...string) {
		for _, src := range sources {
			if src == nil {
				continue
			}
			v, bad := FloatField(src, names...)
			if bad {
				malformed++
				continue
			}
			if v != nil {
				*dst = v
				return
			}
		}
	}

	pick(&t.BatteryLevel, "batteryLevel", "battery_level")
	pick(&t.Voltage, "voltage")
	pick(&t.Temperature, "temperature")
	pick(&t.Humidity, "relativeHumidity", "relative_humidity", "humidity")
	pick(&t.Pressure, "barometricPressure", "barometric_pressure", "pressure")

	if t.Empty() {
		return nil, malformed
	}
	return t, malformed
}

// IdentityOf reads an identity broadcast, from a nested "user" object or
// from flat fields
func IdentityOf(m Fields) Identity {
	src := Object(m, "user")
	if src == nil {
		src = m
	}
	var id Identity
	if src == nil {
		return id
	}
	id.ID, _ = NodeID(src, "id", "num", "nodeNum", "node_num")
	id.LongName = StringField(src, "longName", "long_name", "name")
	id.ShortName = StringField(src, "shortName", "short_name")
	id.HWModel = StringField(src, "hwModel", "hw_model")
	return id
}

// Neighbors reads a neighbor-info report. The second result counts
// malformed entries, which are skipped.
func Neighbors(m Fields) ([]types.Neighbor, int) {
	src := Object(m, "neighborinfo", "neighborInfo", "neighbor_info")
	if src == nil {
		src = m
	}
	raw, ok := First(src, "neighbors")
	if !ok {
		return nil, 0
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, 1
	}

	out := make([]types.Neighbor, 0, len(list))
	malformed := 0
	for _, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			malformed++
			continue
		}
		id, ok := NodeID(entry, "nodeId", "node_id", "id")
		if !ok {
			malformed++
			continue
		}
		snr, bad := FloatField(entry, "snr")
		if bad {
			malformed++
		}
		out = append(out, types.Neighbor{ID: id, SNR: snr})
	}
	return out, malformed
}
