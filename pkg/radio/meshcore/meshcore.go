package meshcore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/radio/stream"
	"github.com/cuemby/meshbridge/pkg/types"
)

// prefixLen is the number of public key bytes MeshCore uses to address a
// node; the same bytes form its NodeID
const prefixLen = 6

// Interface is a MeshCore companion radio reached through its decoder
// sidecar. MeshCore addresses nodes by public key prefix and reports contacts
// rather than a node database; the adapter maps both onto the layout the
// rest of the bridge reads.
type Interface struct {
	*stream.Session
	cache     *radio.MapCache
	localNode atomic.Uint64
	logger    zerolog.Logger
}

var (
	_ radio.Interface = (*Interface)(nil)
	_ radio.Refresher = (*Interface)(nil)
)

// New creates an unconnected interface
func New(name string, cfg stream.Config) *Interface {
	i := &Interface{logger: log.WithInterface("meshcore", name)}
	i.cache = radio.NewMapCache(writeKey, i.forwardKey)
	i.Session = stream.NewSession(name, cfg, i.handleFrame)
	return i
}

// Factory returns a radio.Factory building a fresh interface per connection
func Factory(name string, cfg stream.Config) radio.Factory {
	return func() (radio.Interface, error) {
		return New(name, cfg), nil
	}
}

// ReadPacket returns the next packet, normalized
func (i *Interface) ReadPacket(ctx context.Context) (*radio.Packet, error) {
	raw, err := i.Next(ctx)
	if err != nil {
		return nil, err
	}
	return &radio.Packet{Fields: Normalize(raw), Received: time.Now()}, nil
}

// NodeCache returns the contact list as a node database
func (i *Interface) NodeCache() radio.NodeCache {
	return i.cache
}

// LocalNodeID returns the id derived from the companion radio's own key
func (i *Interface) LocalNodeID() types.NodeID {
	return types.NodeID(i.localNode.Load())
}

// RefreshNodeCache asks the companion radio to resend its contact list
func (i *Interface) RefreshNodeCache(ctx context.Context) error {
	return i.Send(map[string]string{"type": "refresh_contacts"})
}

func (i *Interface) handleFrame(frame *stream.Frame) {
	switch frame.Type {
	case stream.FrameMyInfo:
		id, err := types.NodeIDFrom(frame.MyNodeNum)
		if err != nil {
			if s, ok := frame.MyNodeNum.(string); ok {
				id, err = IDFromKey(s)
			}
		}
		if err != nil {
			i.logger.Debug().Msg("Ignoring my_info without usable id")
			return
		}
		i.localNode.Store(id.Uint64())
	case stream.FrameNode:
		contact, ok := frame.Node.(map[string]any)
		if !ok {
			return
		}
		entry, id, ok := normalizeContact(contact)
		if !ok {
			i.logger.Debug().Msg("Ignoring contact without public key")
			return
		}
		i.cache.Put(id, entry)
	}
}

func (i *Interface) forwardKey(key any, pub []byte) {
	err := i.Send(stream.Frame{
		Type:      stream.FrameSetPublicKey,
		Node:      key,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	})
	if err != nil {
		i.logger.Debug().Err(err).Msg("Failed to forward public key")
	}
}

// IDFromKey derives a NodeID from a hex public key or key prefix
func IDFromKey(key string) (types.NodeID, error) {
	key = strings.TrimSpace(key)
	if len(key) > prefixLen*2 {
		key = key[:prefixLen*2]
	}
	b, err := hex.DecodeString(key)
	if err != nil || len(b) == 0 {
		return 0, types.ErrInvalidNodeID
	}
	var id uint64
	for _, c := range b {
		id = id<<8 | uint64(c)
	}
	return types.NodeID(id), nil
}

// Normalize maps a MeshCore packet onto the common decoded layout. Adverts
// become identity broadcasts (portnum ADVERT) with a user object.
func Normalize(raw decode.Fields) decode.Fields {
	out := decode.Fields{}
	if raw == nil {
		return out
	}

	if key, ok := decode.String(firstOf(raw, "public_key", "pubkey_prefix", "sender")); ok {
		if id, err := IDFromKey(key); err == nil {
			out["from"] = id.Uint64()
		}
	}
	if dest, ok := decode.String(firstOf(raw, "dest_prefix", "recipient")); ok {
		if id, err := IDFromKey(dest); err == nil {
			out["to"] = id.Uint64()
		}
	}
	if _, ok := out["to"]; !ok {
		out["to"] = uint64(types.BroadcastID)
	}
	copyField(raw, out, "rxSnr", "SNR", "snr")
	copyField(raw, out, "rxRssi", "RSSI", "rssi")
	copyField(raw, out, "channel", "channel_idx")
	copyField(raw, out, "rxTime", "sender_timestamp", "timestamp")
	copyField(raw, out, "id", "packet_hash", "id")
	copyField(raw, out, "network", "network")

	decoded := decode.Fields{}
	payloadType, _ := decode.String(firstOf(raw, "payload_type", "type"))
	switch {
	case strings.EqualFold(payloadType, "ADVERT"):
		decoded["portnum"] = string(types.PortAdvert)
		entry, _, _ := normalizeContact(raw)
		if u := decode.Object(entry, "user"); u != nil {
			decoded["user"] = u
		}
		if pos := decode.Object(entry, "position"); pos != nil {
			decoded["position"] = pos
		}
	case raw["text"] != nil:
		decoded["portnum"] = string(types.PortText)
		decoded["text"] = raw["text"]
	case raw["telemetry"] != nil:
		decoded["portnum"] = string(types.PortTelemetry)
		decoded["telemetry"] = raw["telemetry"]
	default:
		decoded["portnum"] = string(types.PortUnknown)
	}
	out["decoded"] = decoded
	return out
}

// normalizeContact turns a MeshCore contact or advert into a node entry with
// user and position objects
func normalizeContact(c decode.Fields) (decode.Fields, types.NodeID, bool) {
	keyHex, ok := decode.String(c["public_key"])
	if !ok {
		return nil, 0, false
	}
	id, err := IDFromKey(keyHex)
	if err != nil {
		return nil, 0, false
	}

	user := decode.Fields{"id": id.Hex()}
	if name, ok := decode.String(firstOf(c, "adv_name", "name")); ok {
		user["longName"] = name
	}
	if pub, err := hex.DecodeString(keyHex); err == nil && len(pub) == 32 {
		user["publicKey"] = base64.StdEncoding.EncodeToString(pub)
	}
	if kind, ok := decode.Int(c["type"]); ok {
		user["hwModel"] = contactKind(kind)
	}

	entry := decode.Fields{"num": id.Uint64(), "user": user, "public_key": keyHex}
	lat, latOK := decode.Float(c["adv_lat"])
	lon, lonOK := decode.Float(c["adv_lon"])
	if latOK && lonOK {
		entry["position"] = decode.Fields{"latitude": lat, "longitude": lon}
	}
	if ts, ok := c["last_advert"]; ok {
		entry["lastHeard"] = ts
	}
	return entry, id, true
}

func contactKind(kind int) string {
	switch kind {
	case 1:
		return "CHAT"
	case 2:
		return "REPEATER"
	case 3:
		return "ROOM"
	case 4:
		return "SENSOR"
	}
	return "UNKNOWN"
}

// writeKey stores the key both as MeshCore keeps it (hex public_key) and
// under user.publicKey
func writeKey(entry decode.Fields, pub []byte) {
	entry["public_key"] = hex.EncodeToString(pub)
	user := make(map[string]any)
	if old := decode.Object(entry, "user"); old != nil {
		for k, v := range old {
			user[k] = v
		}
	}
	user["publicKey"] = base64.StdEncoding.EncodeToString(pub)
	entry["user"] = user
}

func firstOf(m decode.Fields, names ...string) any {
	v, _ := decode.First(m, names...)
	return v
}

func copyField(src, dst decode.Fields, to string, from ...string) {
	if v, ok := decode.First(src, from...); ok {
		dst[to] = v
	}
}
