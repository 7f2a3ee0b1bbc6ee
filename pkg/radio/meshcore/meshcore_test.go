package meshcore

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/radio/stream"
	"github.com/cuemby/meshbridge/pkg/types"
)

const pubHex = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"

func TestIDFromKey(t *testing.T) {
	id, err := IDFromKey(pubHex)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(0xa1b2c3d4e5f6), id)
	assert.Equal(t, "!a1b2c3d4e5f6", id.Hex())

	prefix, err := IDFromKey("a1b2c3d4e5f6")
	require.NoError(t, err)
	assert.Equal(t, id, prefix)

	_, err = IDFromKey("zz")
	assert.Error(t, err)
}

func TestNormalizeAdvert(t *testing.T) {
	out := Normalize(decode.Fields{
		"payload_type": "ADVERT",
		"public_key":   pubHex,
		"adv_name":     "Repeater-1",
		"type":         2.0,
		"adv_lat":      48.85,
		"adv_lon":      2.35,
		"SNR":          6.25,
		"RSSI":         -71.0,
	})

	assert.Equal(t, uint64(0xa1b2c3d4e5f6), out["from"])
	assert.Equal(t, uint64(types.BroadcastID), out["to"])
	assert.Equal(t, 6.25, out["rxSnr"])
	assert.Equal(t, -71.0, out["rxRssi"])

	decoded := decode.Object(out, "decoded")
	require.NotNil(t, decoded)
	assert.Equal(t, string(types.PortAdvert), decoded["portnum"])

	user := decode.Object(decoded, "user")
	require.NotNil(t, user)
	assert.Equal(t, "Repeater-1", user["longName"])
	assert.Equal(t, "REPEATER", user["hwModel"])
	key, err := base64.StdEncoding.DecodeString(user["publicKey"].(string))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	pos, malformed := decode.Position(decode.Object(decoded, "position"))
	assert.False(t, malformed)
	require.NotNil(t, pos)
	assert.Equal(t, 48.85, pos.Latitude)
}

func TestNormalizeText(t *testing.T) {
	out := Normalize(decode.Fields{
		"pubkey_prefix": "a1b2c3d4e5f6",
		"text":          "hello mesh",
		"channel_idx":   0.0,
	})
	decoded := decode.Object(out, "decoded")
	assert.Equal(t, string(types.PortText), decoded["portnum"])
	assert.Equal(t, "hello mesh", decoded["text"])
	assert.Equal(t, 0.0, out["channel"])
}

func TestContactFramesFillCache(t *testing.T) {
	iface := New("meshcore", stream.Config{})

	iface.handleFrame(&stream.Frame{Type: stream.FrameNode, Node: map[string]any{
		"public_key": pubHex,
		"adv_name":   "Base",
		"type":       1.0,
	}})
	iface.handleFrame(&stream.Frame{Type: stream.FrameNode, Node: map[string]any{"adv_name": "keyless"}})
	iface.handleFrame(&stream.Frame{Type: stream.FrameMyInfo, MyNodeNum: strings.Repeat("0", 10) + "2a"})

	assert.Equal(t, 1, iface.NodeCache().Len())
	assert.Equal(t, types.NodeID(0x2a), iface.LocalNodeID())

	snap := iface.NodeCache().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, types.NodeID(0xa1b2c3d4e5f6), snap[0].ID)
	assert.Equal(t, "Base", decode.Object(snap[0].Info, "user")["longName"])
}
