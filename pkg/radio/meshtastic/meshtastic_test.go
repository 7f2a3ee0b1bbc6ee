package meshtastic

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/radio/stream"
	"github.com/cuemby/meshbridge/pkg/types"
)

func TestNodeFramesFillCache(t *testing.T) {
	iface := New("meshtastic", stream.Config{})

	iface.handleFrame(&stream.Frame{Type: stream.FrameNode, Node: map[string]any{
		"num":  2712847316.0,
		"user": map[string]any{"id": "!a1b2c3d4", "longName": "Hilltop"},
	}})
	iface.handleFrame(&stream.Frame{Type: stream.FrameNode, Node: map[string]any{
		"user": map[string]any{"id": "!0000002a"},
	}})
	iface.handleFrame(&stream.Frame{Type: stream.FrameNode, Node: map[string]any{"snr": 1.0}})
	iface.handleFrame(&stream.Frame{Type: stream.FrameMyInfo, MyNodeNum: 99.0})

	assert.Equal(t, 2, iface.NodeCache().Len())
	assert.Equal(t, types.NodeID(99), iface.LocalNodeID())
}

func TestSetPublicKeyWritesUserField(t *testing.T) {
	iface := New("meshtastic", stream.Config{})
	iface.handleFrame(&stream.Frame{Type: stream.FrameNode, Node: map[string]any{
		"num":  42.0,
		"user": map[string]any{"longName": "Base"},
	}})

	// Not connected: the forward fails quietly, the cache is still updated
	iface.NodeCache().SetPublicKey("!0000002a", []byte{1, 2, 3})

	snap := iface.NodeCache().Snapshot()
	require.Len(t, snap, 1)
	user := decode.Object(snap[0].Info, "user")
	assert.Equal(t, "Base", user["longName"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), user["publicKey"])
}

func TestConnectReadAndForward(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan map[string]any, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(`{"type":"packet","packet":{"from":42,"network":"meshtastic","decoded":{"portnum":"TEXT_MESSAGE_APP","text":"hi"}}}` + "\n"))
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(line, &m) == nil {
				received <- m
			}
		}
	}()

	iface := New("meshtastic", stream.Config{Address: ln.Addr().String(), IdleTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, iface.Connect(ctx))
	defer iface.Close()

	pkt, err := iface.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceMeshtastic, pkt.Network)
	assert.Equal(t, 42.0, pkt.Fields["from"])

	iface.NodeCache().SetPublicKey(uint64(42), []byte{9})
	require.NoError(t, iface.InvalidateNodeCache())

	var frameTypes []string
	for len(frameTypes) < 2 {
		select {
		case m := <-received:
			frameTypes = append(frameTypes, m["type"].(string))
		case <-time.After(2 * time.Second):
			t.Fatalf("frames not forwarded, got %v", frameTypes)
		}
	}
	assert.Equal(t, []string{stream.FrameSetPublicKey, "invalidate_node_cache"}, frameTypes)

	require.NoError(t, iface.Close())
	_, err = iface.ReadPacket(ctx)
	assert.ErrorIs(t, err, radio.ErrClosed)
}
