package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/log"
	"github.com/cuemby/meshbridge/pkg/metrics"
	"github.com/cuemby/meshbridge/pkg/radio"
)

// Frame types
const (
	FramePacket       = "packet"
	FrameNode         = "node"
	FrameMyInfo       = "my_info"
	FrameSetPublicKey = "set_public_key"
)

// Frame is one line of the decoder stream
type Frame struct {
	Type      string        `json:"type"`
	Packet    decode.Fields `json:"packet,omitempty"`
	Node      any           `json:"node,omitempty"`
	MyNodeNum any           `json:"my_node_num,omitempty"`
	PublicKey string        `json:"public_key,omitempty"`
}

// Config holds connection settings
type Config struct {
	Address       string
	DialTimeout   time.Duration
	IdleTimeout   time.Duration
	MaxShortReads int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.MaxShortReads <= 0 {
		c.MaxShortReads = 5
	}
}

// Handler receives the non-packet frames. It runs on the receive goroutine.
type Handler func(frame *Frame)

// Client is a connection to a decoder sidecar speaking newline-delimited
// JSON. A receive goroutine reads frames continuously, so the node database
// keeps filling while the caller is busy; packets are queued for Next.
type Client struct {
	cfg     Config
	conn    net.Conn
	reader  *bufio.Reader
	handler Handler
	logger  zerolog.Logger

	packets chan decode.Fields
	errCh   chan error

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial connects to the sidecar and starts receiving
func Dial(ctx context.Context, name string, cfg Config, handler Handler) (*Client, error) {
	cfg.applyDefaults()

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address, err)
	}
	return newClient(conn, name, cfg, handler), nil
}

func newClient(conn net.Conn, name string, cfg Config, handler Handler) *Client {
	cfg.applyDefaults()
	if handler == nil {
		handler = func(*Frame) {}
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		handler: handler,
		logger:  log.WithInterface("stream", name),
		packets: make(chan decode.Fields, 256),
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.receive(name)
	return c
}

// Next returns the next packet. It returns radio.ErrIdleTimeout when
// nothing arrived within the idle timeout, and the transport error once the
// connection is lost.
func (c *Client) Next(ctx context.Context) (decode.Fields, error) {
	timer := time.NewTimer(c.cfg.IdleTimeout)
	defer timer.Stop()

	select {
	case pkt := <-c.packets:
		return pkt, nil
	default:
	}

	select {
	case pkt := <-c.packets:
		return pkt, nil
	case err := <-c.errCh:
		// Keep the error visible to later calls
		c.errCh <- err
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, radio.ErrClosed
	case <-timer.C:
		return nil, radio.ErrIdleTimeout
	}
}

// Send writes one frame
func (c *Client) Send(frame any) error {
	if c.closed.Load() {
		return radio.ErrClosed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

// Close closes the connection and waits for the receive goroutine
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Client) receive(name string) {
	defer c.wg.Done()

	var partial []byte
	shortReads := 0

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			c.fail(err)
			return
		}
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !c.closed.Load() {
				// An idle socket is retried; keep any partial line
				partial = append(partial, line...)
				metrics.IdleTimeoutsTotal.WithLabelValues(name).Inc()
				continue
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed by peer: %w", err)
			}
			c.fail(err)
			return
		}
		if len(partial) > 0 {
			line = append(partial, line...)
			partial = nil
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			shortReads++
			if shortReads > c.cfg.MaxShortReads {
				c.fail(radio.ErrShortReads)
				return
			}
			continue
		}
		shortReads = 0

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			metrics.MalformedFieldsTotal.WithLabelValues("frame").Inc()
			c.logger.Debug().Err(err).Msg("Skipping malformed frame")
			continue
		}

		if frame.Type == FramePacket {
			if frame.Packet == nil {
				continue
			}
			select {
			case c.packets <- frame.Packet:
			case <-c.done:
				return
			}
			continue
		}
		c.handler(&frame)
	}
}

func (c *Client) fail(err error) {
	if c.closed.Load() {
		return
	}
	select {
	case c.errCh <- err:
	default:
	}
}
