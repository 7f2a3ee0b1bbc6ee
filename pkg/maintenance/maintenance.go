package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/storage"
)

// KeySyncer pushes every known key to the registered interfaces
type KeySyncer interface {
	SyncAll(ctx context.Context) error
}

// Options configures a Maintainer. Store and Keys may be nil.
type Options struct {
	Registry        *registry.Registry
	Store           storage.Store
	Keys            KeySyncer
	Publisher       events.Publisher
	Retention       time.Duration // packets older than this are purged, 0 keeps everything
	SweepInterval   time.Duration
	KeySyncInterval time.Duration
	// Degraded reports whether the store has stopped accepting writes; the
	// sweep then leaves it alone
	Degraded func() bool
	Clock    func() time.Time
}

// Maintainer runs the periodic housekeeping of a running bridge: the key
// sync cycle, the retention sweep and gauge collection
type Maintainer struct {
	opts      Options
	collector *metrics.Collector
	logger    zerolog.Logger

	mu       sync.Mutex
	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a maintainer
func New(opts Options) *Maintainer {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Degraded == nil {
		opts.Degraded = func() bool { return false }
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.KeySyncInterval <= 0 {
		opts.KeySyncInterval = 5 * time.Minute
	}
	return &Maintainer{
		opts:      opts,
		collector: metrics.NewCollector(opts.Registry),
		logger:    log.WithComponent("maintenance"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the maintenance loop
func (m *Maintainer) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	metrics.RegisterComponent(metrics.ComponentMaintenance, true, "running")
	go m.run()
}

// Stop stops the loop and runs a final retention sweep
func (m *Maintainer) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.doneCh
		}
		_, err = m.Sweep(ctx)
	})
	return err
}

func (m *Maintainer) run() {
	defer close(m.doneCh)

	sweep := time.NewTicker(m.opts.SweepInterval)
	defer sweep.Stop()
	keys := time.NewTicker(m.opts.KeySyncInterval)
	defer keys.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.collector.Collect()
	for {
		select {
		case <-keys.C:
			m.cycle(func() error { return m.SyncKeys(ctx) })
		case <-sweep.C:
			m.cycle(func() error {
				_, err := m.Sweep(ctx)
				return err
			})
		case <-m.stopCh:
			return
		}
	}
}

// cycle times one unit of work and refreshes the gauges after it
func (m *Maintainer) cycle(work func() error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MaintenanceDuration)
		metrics.MaintenanceCyclesTotal.Inc()
	}()

	if err := work(); err != nil {
		m.logger.Warn().Err(err).Msg("Maintenance cycle failed")
		metrics.UpdateComponent(metrics.ComponentMaintenance, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentMaintenance, true, "running")
	}
	m.collector.Collect()
}

// SyncKeys runs one key synchronization cycle
func (m *Maintainer) SyncKeys(ctx context.Context) error {
	if m.opts.Keys == nil {
		return nil
	}
	if err := m.opts.Keys.SyncAll(ctx); err != nil {
		return fmt.Errorf("key sync: %w", err)
	}
	return nil
}

// Sweep drops packets older than the retention window from the store and
// the in-memory buffer. Node, contact and neighbor records are never
// touched. It returns the number of packets removed from the store, or
// from the buffer when there is no usable store.
func (m *Maintainer) Sweep(ctx context.Context) (int, error) {
	if m.opts.Retention <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.opts.Clock().Add(-m.opts.Retention)
	buffered := m.opts.Registry.PrunePackets(cutoff)

	purged := buffered
	if m.opts.Store != nil && !m.opts.Degraded() {
		n, err := m.opts.Store.PurgePacketsBefore(ctx, cutoff)
		if err != nil {
			m.logger.Error().Err(err).Time("cutoff", cutoff).Msg("Retention sweep failed")
			return 0, fmt.Errorf("retention sweep: %w", err)
		}
		purged = n
	}

	metrics.RetentionPurgedTotal.Add(float64(purged))
	m.logger.Info().
		Int("purged", purged).
		Int("buffer_pruned", buffered).
		Time("cutoff", cutoff).
		Msg("Retention sweep complete")
	m.opts.Publisher.Publish(&events.Event{
		Type:    events.EventRetentionSweepComplete,
		Message: fmt.Sprintf("purged %d packets", purged),
		Metadata: map[string]string{
			"purged": fmt.Sprint(purged),
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		},
	})
	return purged, nil
}
