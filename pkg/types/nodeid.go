package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NodeID is the canonical identifier of a mesh participant. Transports hand
// out node numbers either as integers or as hex strings ("!a1b2c3d4"); both
// resolve to the same NodeID.
type NodeID uint64

// BroadcastID is the destination used by packets addressed to everyone.
const BroadcastID NodeID = 0xffffffff

// ErrInvalidNodeID is returned when a value cannot be read as a node identifier.
var ErrInvalidNodeID = errors.New("invalid node id")

// Uint64 returns the numeric representation used by integer-keyed node caches.
func (id NodeID) Uint64() uint64 {
	return uint64(id)
}

// Hex returns the "!"-prefixed hex representation used by string-keyed node
// caches. Identifiers that fit in 32 bits are zero-padded to 8 digits.
func (id NodeID) Hex() string {
	if id <= math.MaxUint32 {
		return fmt.Sprintf("!%08x", uint64(id))
	}
	return fmt.Sprintf("!%012x", uint64(id))
}

// String implements fmt.Stringer.
func (id NodeID) String() string {
	return id.Hex()
}

// IsBroadcast reports whether id is the broadcast address.
func (id NodeID) IsBroadcast() bool {
	return id == BroadcastID
}

// IsZero reports whether id is unset.
func (id NodeID) IsZero() bool {
	return id == 0
}

// ParseNodeID reads a node identifier from its string forms:
//
//	!a1b2c3d4    hex with transport prefix
//	0xa1b2c3d4   hex with Go prefix
//	a1b2c3d4     bare 8-digit hex (the width every transport prints)
//	2712847316   decimal node number
//
// Strings of any other width that contain hex letters are read as hex.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "!"):
		return parseHex(s, lower[1:])
	case strings.HasPrefix(lower, "0x"):
		return parseHex(s, lower[2:])
	case len(lower) == 8 && isHex(lower):
		return parseHex(s, lower)
	case isDecimal(lower):
		n, err := strconv.ParseUint(lower, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidNodeID, s, err)
		}
		return NodeID(n), nil
	case isHex(lower):
		return parseHex(s, lower)
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
}

// NodeIDFrom converts a loosely typed value, as produced by JSON decoding or
// by a transport's node cache, into a NodeID.
func NodeIDFrom(v any) (NodeID, error) {
	switch n := v.(type) {
	case NodeID:
		return n, nil
	case uint64:
		return NodeID(n), nil
	case uint32:
		return NodeID(n), nil
	case uint:
		return NodeID(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%w: negative %d", ErrInvalidNodeID, n)
		}
		return NodeID(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("%w: negative %d", ErrInvalidNodeID, n)
		}
		return NodeID(n), nil
	case int32:
		if n < 0 {
			return 0, fmt.Errorf("%w: negative %d", ErrInvalidNodeID, n)
		}
		return NodeID(n), nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxUint64 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidNodeID, n)
		}
		return NodeID(n), nil
	case string:
		return ParseNodeID(n)
	case nil:
		return 0, fmt.Errorf("%w: nil", ErrInvalidNodeID)
	}
	return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidNodeID, v)
}

func parseHex(orig, digits string) (NodeID, error) {
	if digits == "" || !isHex(digits) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, orig)
	}
	n, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidNodeID, orig, err)
	}
	return NodeID(n), nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return s != ""
}

func isDecimal(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
