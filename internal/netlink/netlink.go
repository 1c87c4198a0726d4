// Package netlink abstracts the platform network link: a non-blocking
// joined/not-joined poll and an idempotent rejoin primitive. All retry
// policy lives with the caller; this package only answers "is the link
// up right now" and "ask the platform to rejoin".
package netlink

import (
	"context"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/jonboulle/clockwork"
)

// Link is the narrow view of the platform network stack the supervisor
// polls each health cycle.
type Link interface {
	// Up reports whether the link is currently usable.
	Up() bool

	// Reconnect asks the platform to (re)join the network. It is
	// idempotent when already joined and fire-and-forget otherwise:
	// the outcome is observed through a later Up poll, never through
	// the return value alone.
	Reconnect(ctx context.Context) error
}

// ProbeFunc checks whether the link is usable. Return nil if up.
type ProbeFunc func(ctx context.Context) error

// ProbeLink adapts a liveness probe and a rejoin command into a Link.
type ProbeLink struct {
	// Probe checks link liveness. Required.
	Probe ProbeFunc

	// Rejoin requests a platform-level rejoin. Nil means the platform
	// reconnects on its own and Reconnect is a no-op.
	Rejoin func(ctx context.Context) error

	// Timeout bounds each probe (default 2s).
	Timeout time.Duration
}

// Up runs the probe with the configured timeout.
func (l *ProbeLink) Up() bool {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return l.Probe(ctx) == nil
}

// Reconnect invokes the rejoin command, if any.
func (l *ProbeLink) Reconnect(ctx context.Context) error {
	if l.Rejoin == nil {
		return nil
	}
	return l.Rejoin(ctx)
}

// TCPProbe returns a ProbeFunc that dials addr and closes the
// connection. On wristband hardware with no management interface to
// the WiFi stack, a reachable broker host doubles as link confirmation.
func TCPProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// CommandRejoin returns a rejoin func that runs argv (e.g. wpa_cli -i
// wlan0 reconnect). Each argument is expanded against vars, so config
// can reference ${SSID} and ${PSK} without baking credentials into the
// command line.
func CommandRejoin(argv []string, vars map[string]string) func(ctx context.Context) error {
	expand := func(s string) string {
		return os.Expand(s, func(key string) string { return vars[key] })
	}
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return nil
		}
		args := make([]string, 0, len(argv)-1)
		for _, a := range argv[1:] {
			args = append(args, expand(a))
		}
		return exec.CommandContext(ctx, expand(argv[0]), args...).Run()
	}
}

// Wait polls link.Up until it reports true, making at most attempts
// polls with interval between them. This is the bounded startup join:
// it returns false on timeout or context cancellation rather than
// waiting forever.
func Wait(ctx context.Context, link Link, attempts int, interval time.Duration, clock clockwork.Clock) bool {
	for attempt := 1; attempt <= attempts; attempt++ {
		if link.Up() {
			return true
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-clock.After(interval):
		}
	}
	return false
}
