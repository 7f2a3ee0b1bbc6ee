package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/events"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/radio"
)

// ErrRetriesExhausted is returned by a reader that gave up reconnecting
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// State is a reader's connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReading
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	}
	return "disconnected"
}

// ReaderConfig tunes reconnection
type ReaderConfig struct {
	Backoff    Backoff
	MaxRetries int // consecutive failures before giving up, 0 retries forever
}

// Reader owns one radio interface for its whole life: it connects, reads
// until the transport fails, and reconnects with backoff using a fresh
// interface from the factory each time
type Reader struct {
	name      string
	factory   radio.Factory
	cfg       ReaderConfig
	pipeline  *Pipeline
	publisher events.Publisher
	onGiveUp  func(name string, err error)
	logger    zerolog.Logger

	state atomic.Int32
	sleep func(ctx context.Context, d time.Duration) error
}

// Name returns the interface name
func (r *Reader) Name() string {
	return r.name
}

// State returns the current connection state
func (r *Reader) State() State {
	return State(r.state.Load())
}

func (r *Reader) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old != s {
		r.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Reader state changed")
	}
}

// Run connects and reads until ctx is cancelled or retries run out. The
// interface is always closed before Run returns.
func (r *Reader) Run(ctx context.Context) error {
	component := metrics.InterfaceComponent(r.name)
	metrics.RegisterComponent(component, false, "not connected")
	defer r.setState(StateDisconnected)

	bo := r.cfg.Backoff.newBackOff()
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.setState(StateConnecting)
		iface, err := r.connect(ctx)
		if err == nil && ctx.Err() != nil {
			_ = iface.Close()
			return nil
		}
		if err == nil {
			failures = 0
			bo.Reset()
			err = r.serve(ctx, iface)
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn().Err(err).Msg("Interface disconnected")
		} else {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn().Err(err).Int("failures", failures+1).Msg("Failed to connect interface")
		}
		r.setState(StateDisconnected)
		metrics.UpdateComponent(component, false, err.Error())

		failures++
		if r.cfg.MaxRetries > 0 && failures > r.cfg.MaxRetries {
			return r.giveUp(err)
		}

		delay := bo.NextBackOff()
		metrics.ReconnectsTotal.WithLabelValues(r.name).Inc()
		r.logger.Info().Dur("delay", delay).Int("attempt", failures).Msg("Reconnecting")
		if err := r.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (r *Reader) connect(ctx context.Context) (radio.Interface, error) {
	iface, err := r.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create interface: %w", err)
	}
	if err := iface.Connect(ctx); err != nil {
		_ = iface.Close()
		return nil, err
	}
	return iface, nil
}

// serve runs one connected session. The topology load and key sync run
// alongside the read loop so the transport keeps draining while the node
// cache settles.
func (r *Reader) serve(ctx context.Context, iface radio.Interface) error {
	component := metrics.InterfaceComponent(r.name)
	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = iface.Close()
		metrics.InterfaceConnected.WithLabelValues(r.name).Set(0)
		r.pipeline.disconnected(r.name)
		r.publish(events.EventInterfaceDisconnected, "interface disconnected")
	}()

	r.setState(StateReading)
	metrics.InterfaceConnected.WithLabelValues(r.name).Set(1)
	metrics.UpdateComponent(component, true, "connected")
	r.logger.Info().Uint64("local_node", iface.LocalNodeID().Uint64()).Msg("Interface connected")
	r.publish(events.EventInterfaceConnected, "interface connected")

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pipeline.connected(sessionCtx, iface)
	}()

	for {
		pkt, err := iface.ReadPacket(sessionCtx)
		if errors.Is(err, radio.ErrIdleTimeout) {
			metrics.IdleTimeoutsTotal.WithLabelValues(r.name).Inc()
			r.logger.Trace().Msg("Idle timeout, reading again")
			continue
		}
		if err != nil {
			return err
		}
		if _, err := r.pipeline.Process(iface, pkt); err != nil {
			r.logger.Debug().Err(err).Msg("Packet dropped")
		}
	}
}

func (r *Reader) giveUp(err error) error {
	r.setState(StateDisconnected)
	r.logger.Error().Err(err).Int("max_retries", r.cfg.MaxRetries).Msg("Giving up on interface")
	metrics.UpdateComponent(metrics.InterfaceComponent(r.name), false, "retries exhausted")
	r.publish(events.EventInterfaceFailed, fmt.Sprintf("gave up after %d retries", r.cfg.MaxRetries))

	final := fmt.Errorf("%s: %w: %v", r.name, ErrRetriesExhausted, err)
	if r.onGiveUp != nil {
		r.onGiveUp(r.name, final)
	}
	return final
}

func (r *Reader) publish(t events.EventType, msg string) {
	r.publisher.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"interface": r.name},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newReaderLogger(name string) zerolog.Logger {
	return log.WithInterface("ingest", name)
}
