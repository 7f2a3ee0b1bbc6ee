package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/types"
)

type opKind int

const (
	opPacket opKind = iota
	opNode
	opContact
	opFlush
)

type writeOp struct {
	kind    opKind
	packet  *types.PacketRecord
	node    *types.Node
	contact *types.Contact
	prov    types.Provenance
	done    chan struct{}
}

// Writer is the single writer in front of a Store. Registry mutations are
// queued and applied in order by one goroutine. The first failed write
// switches the writer to memory-only mode: later writes are dropped and the
// in-memory registry stays authoritative.
type Writer struct {
	store     Store
	queue     chan writeOp
	publisher events.Publisher
	logger    zerolog.Logger

	degraded atomic.Bool

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWriter starts a writer with the given queue capacity
func NewWriter(store Store, queueSize int, publisher events.Publisher) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if publisher == nil {
		publisher = events.Discard
	}

	w := &Writer{
		store:     store,
		queue:     make(chan writeOp, queueSize),
		publisher: publisher,
		logger:    log.WithComponent("storage-writer"),
	}
	metrics.RegisterComponent(metrics.ComponentStorage, true, "writable")
	metrics.StoreDegraded.Set(0)

	w.wg.Add(1)
	go w.run()
	return w
}

// SavePacket queues a packet insert
func (w *Writer) SavePacket(rec *types.PacketRecord) {
	w.enqueue(writeOp{kind: opPacket, packet: rec})
}

// SaveNode queues a node attribute upsert
func (w *Writer) SaveNode(node *types.Node) {
	w.enqueue(writeOp{kind: opNode, node: node})
}

// SaveContact queues a contact upsert into the network's contacts table
func (w *Writer) SaveContact(prov types.Provenance, contact *types.Contact) {
	w.enqueue(writeOp{kind: opContact, prov: prov, contact: contact})
}

// Degraded reports whether the writer has fallen back to memory-only mode
func (w *Writer) Degraded() bool {
	return w.degraded.Load()
}

// Flush blocks until every write queued before the call has been applied
func (w *Writer) Flush() {
	done := make(chan struct{})
	if !w.enqueue(writeOp{kind: opFlush, done: done}) {
		return
	}
	<-done
}

// Close drains the queue and stops the writer. The underlying Store is left
// open for the caller to close.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Writer) enqueue(op writeOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		if op.kind != opFlush {
			metrics.StoreWritesDroppedTotal.Inc()
		}
		return false
	}
	w.queue <- op
	return true
}

func (w *Writer) run() {
	defer w.wg.Done()

	for op := range w.queue {
		if op.kind == opFlush {
			close(op.done)
			continue
		}
		if w.degraded.Load() {
			metrics.StoreWritesDroppedTotal.Inc()
			continue
		}
		if err := w.apply(op); err != nil {
			w.degrade(err)
		}
	}
}

func (w *Writer) apply(op writeOp) error {
	ctx := context.Background()
	switch op.kind {
	case opPacket:
		return w.store.InsertPacket(ctx, op.packet)
	case opNode:
		return w.store.UpsertNode(ctx, op.node)
	case opContact:
		return w.store.UpsertContact(ctx, op.prov, op.contact)
	}
	return nil
}

func (w *Writer) degrade(err error) {
	metrics.StoreWriteErrorsTotal.Inc()
	if !w.degraded.CompareAndSwap(false, true) {
		return
	}

	w.logger.Error().Err(err).Msg("Store write failed, continuing memory-only")
	metrics.StoreDegraded.Set(1)
	metrics.UpdateComponent(metrics.ComponentStorage, false, err.Error())
	w.publisher.Publish(&events.Event{
		Type:    events.EventStoreDegraded,
		Message: err.Error(),
	})
}
