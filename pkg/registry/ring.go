package registry

import (
	"time"

	"github.com/cuemby/meshbridge/pkg/types"
)

// ring is a fixed-capacity FIFO of packet records. Callers hold the lock.
type ring struct {
	buf  []*types.PacketRecord
	head int // index of the oldest record
	size int

	evictedUntil time.Time // newest timestamp pushed out by capacity
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*types.PacketRecord, capacity)}
}

func (r *ring) push(rec *types.PacketRecord) {
	idx := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		if old := r.buf[idx]; old != nil && old.Timestamp.After(r.evictedUntil) {
			r.evictedUntil = old.Timestamp
		}
	}
	r.buf[idx] = rec
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

// each visits records oldest first
func (r *ring) each(fn func(*types.PacketRecord)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

// filter keeps the records for which keep returns true, preserving order,
// and returns how many were removed
func (r *ring) filter(keep func(*types.PacketRecord) bool) int {
	kept := make([]*types.PacketRecord, 0, r.size)
	r.each(func(rec *types.PacketRecord) {
		if keep(rec) {
			kept = append(kept, rec)
		}
	})
	removed := r.size - len(kept)

	clear(r.buf)
	copy(r.buf, kept)
	r.head = 0
	r.size = len(kept)
	return removed
}
