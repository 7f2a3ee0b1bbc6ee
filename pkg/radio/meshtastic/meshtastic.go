package meshtastic

import (
	"context"
	"encoding/base64"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/radio/stream"
	"github.com/cuemby/meshbridge/pkg/types"
)

// Interface is a Meshtastic radio reached through its decoder sidecar. The
// decoder emits packets in the Meshtastic client's JSON layout ("from",
// "rxSnr", "decoded.portnum", ...) and keeps a node database indexed both by
// node number and by "!hex" id.
type Interface struct {
	*stream.Session
	cache     *radio.MapCache
	localNode atomic.Uint64
	logger    zerolog.Logger
}

var (
	_ radio.Interface   = (*Interface)(nil)
	_ radio.Invalidator = (*Interface)(nil)
)

// New creates an unconnected interface
func New(name string, cfg stream.Config) *Interface {
	i := &Interface{logger: log.WithInterface("meshtastic", name)}
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

// ReadPacket returns the next decoded packet
func (i *Interface) ReadPacket(ctx context.Context) (*radio.Packet, error) {
	fields, err := i.Next(ctx)
	if err != nil {
		return nil, err
	}
	pkt := &radio.Packet{Fields: fields, Received: time.Now()}
	if tag, ok := decode.String(fields["network"]); ok {
		pkt.Network = types.Provenance(tag)
	}
	return pkt, nil
}

// NodeCache returns the live node database
func (i *Interface) NodeCache() radio.NodeCache {
	return i.cache
}

// LocalNodeID returns the node number of the attached radio, 0 until the
// decoder reported it
func (i *Interface) LocalNodeID() types.NodeID {
	return types.NodeID(i.localNode.Load())
}

// InvalidateNodeCache asks the decoder to rebuild its key index from the
// node database
func (i *Interface) InvalidateNodeCache() error {
	return i.Send(map[string]string{"type": "invalidate_node_cache"})
}

func (i *Interface) handleFrame(frame *stream.Frame) {
	switch frame.Type {
	case stream.FrameMyInfo:
		id, err := types.NodeIDFrom(frame.MyNodeNum)
		if err != nil {
			i.logger.Debug().Err(err).Msg("Ignoring my_info without node number")
			return
		}
		i.localNode.Store(id.Uint64())
	case stream.FrameNode:
		info, ok := frame.Node.(map[string]any)
		if !ok {
			return
		}
		id, ok := decode.NodeID(info, "num")
		if !ok {
			if user := decode.Object(info, "user"); user != nil {
				id, ok = decode.NodeID(user, "id")
			}
		}
		if !ok {
			i.logger.Debug().Msg("Ignoring node entry without id")
			return
		}
		i.cache.Put(id, info)
	}
}

// forwardKey pushes an injected key to the decoder so it can decrypt direct
// messages from that node
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

// writeKey stores the key the way the Meshtastic client does: base64 under
// user.publicKey
func writeKey(entry decode.Fields, pub []byte) {
	user := make(map[string]any)
	if old := decode.Object(entry, "user"); old != nil {
		for k, v := range old {
			user[k] = v
		}
	}
	user["publicKey"] = base64.StdEncoding.EncodeToString(pub)
	entry["user"] = user
}
