// Package supervisor runs the wristband control loop: dispatch of
// decoded tap commands to the actuator, interleaved with time-gated
// link and channel health repair.
//
// Everything happens on one goroutine. The only blocking operations
// are the actuation pulses themselves and the bounded startup join;
// a command arriving mid-sequence simply waits in the channel buffer
// until the loop comes back around.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wrenwood/tapband/internal/actuator"
	"github.com/wrenwood/tapband/internal/netlink"
	"github.com/wrenwood/tapband/internal/protocol"
)

// Channel is the narrow pub/sub session surface the loop polls. The
// production implementation is [channel.Client]; tests use a double.
type Channel interface {
	Connect(ctx context.Context) error
	Connected() bool
	LineAvailable() bool
	ReadLine() (string, bool)
	Close()
}

// Actuator fires the solenoid. Trigger blocks for the whole sequence.
type Actuator interface {
	Init()
	Trigger(taps int)
}

// Config carries the loop's fixed operating constants.
type Config struct {
	// DeviceID is the identifier commands are filtered against.
	DeviceID int
	// MinTaps and MaxTaps bound accepted tap counts, inclusive.
	MinTaps int
	MaxTaps int
	// HealthInterval gates the link/channel inspection (order of 5s).
	HealthInterval time.Duration
	// RetryDelay is the pause before a channel reconnect attempt.
	RetryDelay time.Duration
	// PollInterval paces loop iterations so an idle loop doesn't spin.
	PollInterval time.Duration
	// JoinAttempts and JoinInterval bound the startup link wait.
	JoinAttempts int
	JoinInterval time.Duration
}

// Supervisor holds all loop state: no package globals, every
// dependency injected.
type Supervisor struct {
	cfg     Config
	channel Channel
	link    netlink.Link
	driver  Actuator
	clock   clockwork.Clock
	logger  *slog.Logger

	lastCheck time.Time
}

// New wires a Supervisor. A nil clock means real time.
func New(cfg Config, ch Channel, link netlink.Link, driver Actuator, clock clockwork.Clock, logger *slog.Logger) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:     cfg,
		channel: ch,
		link:    link,
		driver:  driver,
		clock:   clock,
		logger:  logger,
	}
}

// Boot runs the one-time startup sequence: drive the pin inactive,
// wait (bounded) for the network link, attempt the channel handshake,
// and report the outcome through the diagnostic pulse pattern. A
// failed boot is not fatal; Run repairs whatever Boot couldn't
// establish.
func (s *Supervisor) Boot(ctx context.Context) {
	s.driver.Init()

	if !netlink.Wait(ctx, s.link, s.cfg.JoinAttempts, s.cfg.JoinInterval, s.clock) {
		s.logger.Warn("network link did not come up",
			"attempts", s.cfg.JoinAttempts,
			"interval", s.cfg.JoinInterval.String(),
		)
		s.driver.Trigger(actuator.BootLinkDown)
		return
	}

	if err := s.channel.Connect(ctx); err != nil {
		s.logger.Warn("channel handshake failed at boot", "error", err)
		s.driver.Trigger(actuator.BootChannelDown)
		return
	}

	s.logger.Info("boot complete, link and channel up")
	s.driver.Trigger(actuator.BootReady)
}

// Run drives the control loop until ctx is cancelled. Each iteration
// dispatches at most one buffered command, then runs the time-gated
// health check.
func (s *Supervisor) Run(ctx context.Context) {
	s.lastCheck = s.clock.Now()

	for {
		select {
		case <-ctx.Done():
			s.channel.Close()
			s.logger.Info("supervisor stopped")
			return
		default:
		}

		s.dispatch()
		s.checkHealth(ctx)
		s.clock.Sleep(s.cfg.PollInterval)
	}
}

// dispatch reads one buffered delivery, decodes it, filters it against
// this device, and actuates. Every rejection path is silent beyond
// debug logging: on a shared channel, other wristbands' commands and
// malformed lines are expected noise.
func (s *Supervisor) dispatch() {
	if !s.channel.Connected() || !s.channel.LineAvailable() {
		return
	}
	line, ok := s.channel.ReadLine()
	if !ok {
		return
	}

	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		s.logger.Debug("dropping undecodable line", "error", err)
		return
	}
	if cmd.ID != s.cfg.DeviceID {
		s.logger.Debug("command addressed elsewhere", "id", cmd.ID)
		return
	}
	if cmd.Taps < s.cfg.MinTaps || cmd.Taps > s.cfg.MaxTaps {
		s.logger.Debug("tap count out of range", "taps", cmd.Taps)
		return
	}

	s.logger.Info("tap command accepted", "taps", cmd.Taps)
	// Blocks the loop for the full sequence; no new input is processed
	// until it completes.
	s.driver.Trigger(cmd.Taps)
}

// checkHealth repairs the link and channel, at most once per
// HealthInterval. Link repair and channel repair never happen in the
// same cycle: a rejoin request needs a later poll to confirm the link
// before a channel handshake can make sense.
func (s *Supervisor) checkHealth(ctx context.Context) {
	if s.clock.Since(s.lastCheck) < s.cfg.HealthInterval {
		return
	}
	s.lastCheck = s.clock.Now()

	if !s.link.Up() {
		s.logger.Warn("network link down, requesting rejoin")
		s.channel.Close()
		if err := s.link.Reconnect(ctx); err != nil {
			s.logger.Debug("link rejoin request failed", "error", err)
		}
		return
	}

	if !s.channel.Connected() {
		s.logger.Info("channel session down, reconnecting",
			"delay", s.cfg.RetryDelay.String())
		s.clock.Sleep(s.cfg.RetryDelay)
		if err := s.channel.Connect(ctx); err != nil {
			s.logger.Warn("channel reconnect failed", "error", err)
		}
	}
}
