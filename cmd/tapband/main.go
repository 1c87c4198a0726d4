// Tapband is the device-side agent for haptic wristbands.
//
// It joins the configured network, subscribes to a tap-command topic
// on a minimal line-delimited JSON broker over raw TCP, and fires the
// solenoid when a command addressed to this wristband arrives. The
// same binary carries the other ends of the system: the broker, the
// game-master console that runs a mafia round over the wristbands,
// and a one-shot command publisher for bench testing.
//
// Usage:
//
//	tapband agent            Run the wristband control loop
//	tapband broker           Run the fan-out broker
//	tapband game             Run the game-master console
//	tapband send <id> <taps> Publish one tap command
//	tapband version          Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/wrenwood/tapband/internal/actuator"
	"github.com/wrenwood/tapband/internal/broker"
	"github.com/wrenwood/tapband/internal/buildinfo"
	"github.com/wrenwood/tapband/internal/channel"
	"github.com/wrenwood/tapband/internal/config"
	"github.com/wrenwood/tapband/internal/game"
	"github.com/wrenwood/tapband/internal/netlink"
	"github.com/wrenwood/tapband/internal/protocol"
	"github.com/wrenwood/tapband/internal/supervisor"
)

// main is intentionally minimal. It constructs the OS-level
// environment (context, stdio, argv) and delegates immediately to
// [run] so the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, and our flag surface is one
// option wide.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "agent":
		return runAgent(ctx, stdout, configPath)
	case "broker":
		return runBroker(ctx, stdout, configPath)
	case "game":
		return runGame(ctx, stdout, configPath)
	case "send":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: tapband send <device-id> <taps>")
		}
		return runSend(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tapband - Haptic Wristband Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tapband [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  agent              Run the wristband control loop")
	fmt.Fprintln(w, "  broker             Run the fan-out broker")
	fmt.Fprintln(w, "  game               Run the game-master console")
	fmt.Fprintln(w, "  send <id> <taps>   Publish one tap command")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/tapband/config.yaml, /etc/tapband/config.yaml")
	return nil
}

// runAgent boots the wristband: GPIO up, link joined (bounded wait),
// channel subscribed, then the supervisor loop until SIGINT/SIGTERM.
func runAgent(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	// GPIO host drivers must be loaded before pins can be resolved.
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("init gpio host: %w", err)
	}
	pin := gpioreg.ByName(cfg.Device.Pin)
	if pin == nil {
		return fmt.Errorf("gpio pin %q not found", cfg.Device.Pin)
	}
	logger.Info("actuator pin resolved", "pin", pin.Name())

	driver := actuator.New(pin,
		time.Duration(cfg.Device.PulseMS)*time.Millisecond,
		time.Duration(cfg.Device.GapMS)*time.Millisecond,
		nil,
	)

	addr := cfg.Broker.Addr()
	link := &netlink.ProbeLink{
		Probe:   netlink.TCPProbe(addr),
		Timeout: time.Duration(cfg.Network.ProbeTimeoutMS) * time.Millisecond,
	}
	if len(cfg.Network.RejoinCommand) > 0 {
		link.Rejoin = netlink.CommandRejoin(cfg.Network.RejoinCommand, map[string]string{
			"SSID": cfg.Network.SSID,
			"PSK":  cfg.Network.Passphrase,
		})
	}

	ch := channel.New(channel.Config{Addr: addr, Topic: cfg.Broker.Topic}, logger)

	sup := supervisor.New(supervisor.Config{
		DeviceID:       cfg.Device.ID,
		MinTaps:        cfg.Device.MinTaps,
		MaxTaps:        cfg.Device.MaxTaps,
		HealthInterval: time.Duration(cfg.Health.IntervalSec) * time.Second,
		RetryDelay:     time.Duration(cfg.Health.RetryDelayMS) * time.Millisecond,
		PollInterval:   time.Duration(cfg.Health.PollIntervalMS) * time.Millisecond,
		JoinAttempts:   cfg.Network.JoinAttempts,
		JoinInterval:   time.Duration(cfg.Network.JoinIntervalMS) * time.Millisecond,
	}, ch, link, driver, nil, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting wristband agent",
		"device_id", cfg.Device.ID,
		"broker", addr,
		"topic", cfg.Broker.Topic,
	)
	sup.Boot(ctx)
	sup.Run(ctx)
	return nil
}

// runBroker serves the fan-out broker on the configured port until
// SIGINT/SIGTERM.
func runBroker(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Broker.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return broker.New(logger).Serve(ctx, ln)
}

// runGame connects the game-master console to the broker and runs
// mafia rounds over the tap channel until the operator quits.
func runGame(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	addr := cfg.Broker.Addr()
	ch := channel.New(channel.Config{Addr: addr, Topic: cfg.Broker.Topic}, logger)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()
	fmt.Fprintf(stdout, "Connected to broker at %s\n", addr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := game.New(game.Config{
		Players: cfg.Game.Players,
		SendGap: time.Duration(cfg.Game.SendGapMS) * time.Millisecond,
		RoleGap: time.Duration(cfg.Game.RoleGapMS) * time.Millisecond,
	}, ch, stdout, logger)
	return g.Run(ctx, os.Stdin)
}

// runSend publishes one tap command and exits. The broker never
// acknowledges, so success here only means the frame was written.
func runSend(ctx context.Context, stdout io.Writer, configPath, idArg, tapsArg string) error {
	cfg, logger, err := setup(stdout, configPath)
	if err != nil {
		return err
	}

	id, err := strconv.Atoi(idArg)
	if err != nil {
		return fmt.Errorf("device id %q is not an integer", idArg)
	}
	taps, err := strconv.Atoi(tapsArg)
	if err != nil {
		return fmt.Errorf("tap count %q is not an integer", tapsArg)
	}
	if taps < cfg.Device.MinTaps || taps > cfg.Device.MaxTaps {
		return fmt.Errorf("tap count %d outside accepted range [%d,%d]",
			taps, cfg.Device.MinTaps, cfg.Device.MaxTaps)
	}

	ch := channel.New(channel.Config{Addr: cfg.Broker.Addr(), Topic: cfg.Broker.Topic}, logger)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Publish(protocol.Command{ID: id, Taps: taps}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Sent %d tap(s) to wristband %d\n", taps, id)
	return nil
}

// setup loads configuration (defaults if no file is found anywhere)
// and builds the logger at the configured level and format.
func setup(stdout io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg := config.Default()
	cfgPath, err := config.FindConfig(configPath)
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		logger.Info("config loaded", "path", cfgPath)
	case configPath != "":
		// An explicit path that doesn't exist is an operator mistake;
		// silently running on defaults would mask it.
		return nil, nil, err
	default:
		logger.Info("no config file found, using defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	// Reconfigure the logger now that the desired level and format are
	// known; the initial Info-level text logger only covers startup.
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already validated by cfg.Validate above.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("starting tapband", "version", buildinfo.Version, "commit", buildinfo.GitCommit)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
