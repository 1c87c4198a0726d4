// Package channel implements the wristband side of the broker
// protocol: a raw TCP connection that subscribes to a single topic and
// buffers newline-delimited deliveries for non-blocking consumption.
//
// The client holds no retry policy. Connect either works or it
// doesn't; a read failure flips the session to disconnected and the
// supervisor decides when to try again.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/wrenwood/tapband/internal/config"
	"github.com/wrenwood/tapband/internal/protocol"
)

// lineBuffer bounds how many undispatched deliveries the client holds.
// The loop drains one line per iteration; anything beyond the buffer
// during a long actuation sequence is dropped, matching the original
// firmware's socket buffer behavior.
const lineBuffer = 16

// ErrNotConnected is returned by Publish when no session is open.
var ErrNotConnected = errors.New("channel not connected")

// DialFunc opens the transport connection. Tests swap in net.Pipe.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config describes the channel endpoint.
type Config struct {
	// Addr is the broker endpoint (host:port).
	Addr string
	// Topic is the channel subscribed to on connect.
	Topic string
	// Dial overrides the transport dialer; nil means plain TCP.
	Dial DialFunc
}

// Client owns one raw socket session to the broker.
type Client struct {
	addr   string
	topic  string
	dial   DialFunc
	logger *slog.Logger

	connected atomic.Bool

	mu    sync.Mutex
	conn  net.Conn
	lines chan string
}

// New creates a disconnected Client.
func New(cfg Config, logger *slog.Logger) *Client {
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{
		addr:   cfg.Addr,
		topic:  cfg.Topic,
		dial:   dial,
		logger: logger,
	}
}

// Connect opens the transport, sends the subscribe control frame, and
// marks the session connected. The handshake is best effort: the
// broker never acknowledges the subscription. Any previous session is
// torn down first, discarding its buffered lines.
func (c *Client) Connect(ctx context.Context) error {
	c.Close()

	conn, err := c.dial(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", c.addr, err)
	}

	frame, err := protocol.EncodeSubscribe(c.topic)
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode subscribe: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return fmt.Errorf("send subscribe: %w", err)
	}

	lines := make(chan string, lineBuffer)
	c.mu.Lock()
	c.conn = conn
	c.lines = lines
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn, lines)

	c.logger.Info("subscribed to channel", "addr", c.addr, "topic", c.topic)
	return nil
}

// readLoop buffers newline-delimited deliveries until the connection
// dies. It only flips the session state if this connection is still
// the current one; a reconnect may already have replaced it.
func (c *Client) readLoop(conn net.Conn, lines chan<- string) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Log(context.Background(), config.LevelTrace,
			"channel line received", "bytes", len(line))
		select {
		case lines <- line:
		default:
			c.logger.Warn("channel line dropped, buffer full")
		}
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.connected.Store(false)
	}
	c.mu.Unlock()
	conn.Close()

	if current {
		c.logger.Warn("channel session lost", "error", scanner.Err())
	}
}

// Connected reports the last-known session state. It never probes the
// transport; liveness is the supervisor's job.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// LineAvailable reports whether a complete delivery is buffered.
// Non-blocking.
func (c *Client) LineAvailable() bool {
	c.mu.Lock()
	lines := c.lines
	c.mu.Unlock()
	return lines != nil && len(lines) > 0
}

// ReadLine consumes one buffered delivery. ok is false when nothing is
// available; callers guard with LineAvailable first.
func (c *Client) ReadLine() (line string, ok bool) {
	c.mu.Lock()
	lines := c.lines
	c.mu.Unlock()
	if lines == nil {
		return "", false
	}
	select {
	case line = <-lines:
		return line, true
	default:
		return "", false
	}
}

// Publish sends one command to the topic over the open session. Used
// by the publisher tooling; wristbands themselves only ever subscribe.
func (c *Client) Publish(cmd protocol.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.EncodePublish(c.topic, cmd)
	if err != nil {
		return fmt.Errorf("encode publish: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send publish: %w", err)
	}
	return nil
}

// Close tears the session down and marks it disconnected. Safe to call
// at any time, including when already disconnected.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.lines = nil
	c.mu.Unlock()

	c.connected.Store(false)
	if conn != nil {
		conn.Close()
	}
}
