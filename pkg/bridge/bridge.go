package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/classifier"
	"github.com/cuemby/meshbridge/pkg/config"
	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/ingest"
	"github.com/cuemby/meshbridge/pkg/keysync"
	"github.com/cuemby/meshbridge/pkg/loader"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/maintenance"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/radio"
	"github.com/cuemby/meshbridge/pkg/radio/meshcore"
	"github.com/cuemby/meshbridge/pkg/radio/meshtastic"
	"github.com/cuemby/meshbridge/pkg/radio/stream"
	"github.com/cuemby/meshbridge/pkg/registry"
	"github.com/cuemby/meshbridge/pkg/storage"
	"github.com/cuemby/meshbridge/pkg/topology"
	"github.com/cuemby/meshbridge/pkg/types"
)

// Options overrides parts of the wiring, mostly for tests
type Options struct {
	// Factories replaces the stream-backed interfaces built from config,
	// keyed by interface name
	Factories map[string]radio.Factory
	Version   string
	Clock     func() time.Time
}

// Bridge owns every long-lived component of a running process
type Bridge struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      storage.Store
	writer     *storage.Writer
	broker     *events.Broker
	registry   *registry.Registry
	keys       *keysync.Synchronizer
	pipeline   *ingest.Pipeline
	maintainer *maintenance.Maintainer
	engine     *topology.Engine
	health     *HealthServer

	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
	stopErr  error
}

// New opens the store and wires the components described by cfg. Nothing
// runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	b := &Bridge{
		cfg:    cfg,
		logger: log.WithComponent("bridge"),
		store:  store,
		broker: events.NewBroker(),
		done:   make(chan struct{}),
	}
	b.writer = storage.NewWriter(store, cfg.Storage.QueueSize, b.broker)
	b.registry = registry.New(registry.Options{
		Sink:           b.writer,
		Publisher:      b.broker,
		PacketCapacity: cfg.Storage.BufferCap,
		Clock:          clock,
	})

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		b.writer.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to restore nodes: %w", err)
	}
	restored := b.registry.Restore(nodes)

	b.keys = keysync.New(b.registry, b.broker)
	b.pipeline = ingest.NewPipeline(ingest.Options{
		Classifier: classifier.New(classifier.Config{
			MeshtasticEnabled: cfg.Meshtastic.Enabled,
			MeshCoreEnabled:   cfg.MeshCore.Enabled,
			DualMode:          cfg.IsDualMode(),
		}),
		Registry: b.registry,
		Keys:     b.keys,
		Loader: loader.New(b.registry, b.keys, b.broker, loader.Config{
			InitialWait:   cfg.Loader.InitialWait,
			PollInterval:  cfg.Loader.PollInterval,
			MaxWait:       cfg.Loader.MaxWait,
			StableSamples: cfg.Loader.StableSamples,
		}),
		Publisher: b.broker,
		Reader: ingest.ReaderConfig{
			Backoff: ingest.Backoff{
				Initial: cfg.Ingest.BackoffInitial,
				Max:     cfg.Ingest.BackoffMax,
				Factor:  cfg.Ingest.BackoffFactor,
				Jitter:  cfg.Ingest.BackoffJitter,
			},
			MaxRetries: cfg.Ingest.MaxRetries,
		},
		OnGiveUp: func(name string, err error) {
			b.logger.Error().Err(err).Str("interface", name).Msg("Interface abandoned, other interfaces keep running")
		},
		Clock: clock,
	})
	for _, f := range b.factories(opts.Factories) {
		b.pipeline.AddInterface(f.name, f.factory)
	}

	b.maintainer = maintenance.New(maintenance.Options{
		Registry:        b.registry,
		Store:           store,
		Keys:            b.keys,
		Publisher:       b.broker,
		Retention:       cfg.Storage.Retention,
		SweepInterval:   cfg.Maintenance.SweepInterval,
		KeySyncInterval: cfg.KeySync.Interval,
		Degraded:        b.writer.Degraded,
		Clock:           clock,
	})
	b.engine = topology.New(topology.Options{
		Store:    store,
		Registry: b.registry,
		Degraded: b.writer.Degraded,
		Clock:    clock,
	})
	if opts.Version != "" {
		metrics.SetVersion(opts.Version)
	}
	if cfg.Metrics.Addr != "" {
		b.health = NewHealthServer(cfg.Metrics.Addr)
	}

	b.logger.Info().
		Str("backend", cfg.Storage.Backend).
		Str("data_dir", cfg.Storage.DataDir).
		Int("nodes_restored", restored).
		Bool("dual_mode", cfg.IsDualMode()).
		Msg("Bridge initialized")
	return b, nil
}

type namedFactory struct {
	name    string
	factory radio.Factory
}

func (b *Bridge) factories(overrides map[string]radio.Factory) []namedFactory {
	streamCfg := func(addr string) stream.Config {
		return stream.Config{
			Address:       addr,
			DialTimeout:   b.cfg.Ingest.DialTimeout,
			IdleTimeout:   b.cfg.Ingest.IdleTimeout,
			MaxShortReads: b.cfg.Ingest.MaxShortReads,
		}
	}

	var out []namedFactory
	if c := b.cfg.Meshtastic; c.Enabled {
		f, ok := overrides[c.Name]
		if !ok {
			f = meshtastic.Factory(c.Name, streamCfg(c.Address))
		}
		out = append(out, namedFactory{name: c.Name, factory: f})
	}
	if c := b.cfg.MeshCore; c.Enabled {
		f, ok := overrides[c.Name]
		if !ok {
			f = meshcore.Factory(c.Name, streamCfg(c.Address))
		}
		out = append(out, namedFactory{name: c.Name, factory: f})
	}
	return out
}

// Start runs the broker, maintenance, the metrics listener and every
// interface reader. It returns immediately; Done is closed once all
// readers have returned.
func (b *Bridge) Start(ctx context.Context) error {
	b.broker.Start()
	b.maintainer.Start()

	if b.health != nil {
		if err := b.health.Start(); err != nil {
			_ = b.maintainer.Stop(ctx)
			b.broker.Stop()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go func() {
		defer close(b.done)
		b.runErr = b.pipeline.Run(runCtx)
	}()

	b.logger.Info().Int("interfaces", len(b.pipeline.Readers())).Msg("Bridge started")
	return nil
}

// Done is closed when every reader has stopped, either on Shutdown or
// because all of them gave up
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the readers' combined error once Done is closed
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.runErr
	default:
		return nil
	}
}

// Shutdown stops the readers, runs the final retention sweep, drains the
// write queue, closes the store and stops the broker, in that order
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		var errs []error

		if b.cancel != nil {
			b.cancel()
			select {
			case <-b.done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("readers did not stop: %w", ctx.Err()))
			}
		}
		if b.health != nil {
			if err := b.health.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := b.maintainer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		b.writer.Close()
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		b.broker.Stop()

		b.stopErr = errors.Join(errs...)
		b.logger.Info().Err(b.stopErr).Msg("Bridge stopped")
	})
	return b.stopErr
}

// Engine returns the topology query engine
func (b *Bridge) Engine() *topology.Engine {
	return b.engine
}

// Registry returns the node registry
func (b *Bridge) Registry() *registry.Registry {
	return b.registry
}

// Subscribe returns a channel of bridge events for external collaborators
func (b *Bridge) Subscribe() events.Subscriber {
	return b.broker.Subscribe()
}

// PublicKey returns the stored key of a node, for a direct-message sender
func (b *Bridge) PublicKey(id types.NodeID) ([]byte, error) {
	return b.registry.PublicKey(id)
}
