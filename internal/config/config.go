// Package config handles tapband configuration loading.
//
// Every field has a default matching the values the wristbands shipped
// with, so a config file is optional: the agent runs with nothing but
// defaults on a freshly flashed device.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tapband/config.yaml, /etc/tapband/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tapband", "config.yaml"))
	}

	paths = append(paths, "/etc/tapband/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tapband configuration.
type Config struct {
	Network   NetworkConfig `yaml:"network"`
	Broker    BrokerConfig  `yaml:"broker"`
	Device    DeviceConfig  `yaml:"device"`
	Health    HealthConfig  `yaml:"health"`
	Game      GameConfig    `yaml:"game"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// NetworkConfig defines the WiFi link the wristband joins and the
// bounded startup wait for it. The SSID and passphrase are handed to
// the rejoin command via ${SSID} and ${PSK} placeholders; on platforms
// where the supplicant owns the credential, leave them empty and use a
// bare reconnect command.
type NetworkConfig struct {
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
	// JoinAttempts × JoinIntervalMS bounds the startup link wait
	// (default 40 × 500ms ≈ 20s). A timeout, not an infinite wait.
	JoinAttempts   int `yaml:"join_attempts"`
	JoinIntervalMS int `yaml:"join_interval_ms"`
	// RejoinCommand is run when the periodic health check finds the
	// link down (e.g. ["wpa_cli", "-i", "wlan0", "reconnect"]).
	// Empty means the platform reconnects on its own.
	RejoinCommand []string `yaml:"rejoin_command"`
	// ProbeTimeoutMS limits each link liveness probe (default 2000).
	ProbeTimeoutMS int `yaml:"probe_timeout_ms"`
}

// BrokerConfig defines the pub/sub channel endpoint.
type BrokerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Topic string `yaml:"topic"`
}

// Addr returns the broker endpoint in host:port form.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// DeviceConfig identifies this wristband and its actuator hardware.
type DeviceConfig struct {
	// ID is the numeric identifier commands are addressed to.
	ID int `yaml:"id"`
	// Pin is the GPIO pin name driving the solenoid (e.g. "GPIO17").
	Pin string `yaml:"pin"`
	// PulseMS is how long the pin stays asserted per tap (default 100).
	PulseMS int `yaml:"pulse_ms"`
	// GapMS is the inactive hold between taps (default 750).
	GapMS int `yaml:"gap_ms"`
	// MinTaps and MaxTaps bound the accepted tap counts (default 1..10).
	// Commands outside the range are dropped.
	MinTaps int `yaml:"min_taps"`
	MaxTaps int `yaml:"max_taps"`
}

// HealthConfig controls the supervisor's periodic link and channel checks.
type HealthConfig struct {
	// IntervalSec is how often the loop inspects link and channel
	// health (default 5).
	IntervalSec int `yaml:"interval_sec"`
	// RetryDelayMS is the pause before a channel reconnect attempt
	// (default 1000).
	RetryDelayMS int `yaml:"retry_delay_ms"`
	// PollIntervalMS paces the control loop between iterations
	// (default 20).
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// GameConfig controls the game-master console.
type GameConfig struct {
	// Players is the number of wristbands in a round (default 4).
	// One mafia, one doctor, one detective, the rest townfolk.
	Players int `yaml:"players"`
	// SendGapMS paces consecutive wristbands within a group cue
	// (default 100).
	SendGapMS int `yaml:"send_gap_ms"`
	// RoleGapMS paces the role announcement taps so players can count
	// them apart (default 800).
	RoleGapMS int `yaml:"role_gap_ms"`
}

// Default returns the configuration the wristbands shipped with.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			JoinAttempts:   40,
			JoinIntervalMS: 500,
			ProbeTimeoutMS: 2000,
		},
		Broker: BrokerConfig{
			Host:  "192.168.137.1",
			Port:  1883,
			Topic: "mafia",
		},
		Device: DeviceConfig{
			ID:      1,
			Pin:     "GPIO17",
			PulseMS: 100,
			GapMS:   750,
			MinTaps: 1,
			MaxTaps: 10,
		},
		Health: HealthConfig{
			IntervalSec:    5,
			RetryDelayMS:   1000,
			PollIntervalMS: 20,
		},
		Game: GameConfig{
			Players:   4,
			SendGapMS: 100,
			RoleGapMS: 800,
		},
	}
}

// Load reads configuration from a YAML file, layered over Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports configuration that cannot work, before the agent
// touches hardware or the network.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", c.Broker.Port)
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic must not be empty")
	}
	if c.Device.MinTaps < 1 || c.Device.MaxTaps < c.Device.MinTaps {
		return fmt.Errorf("device tap range [%d,%d] is invalid", c.Device.MinTaps, c.Device.MaxTaps)
	}
	if c.Device.PulseMS <= 0 || c.Device.GapMS <= 0 {
		return fmt.Errorf("device pulse timing must be positive (pulse_ms=%d, gap_ms=%d)", c.Device.PulseMS, c.Device.GapMS)
	}
	if c.Network.JoinAttempts <= 0 {
		return fmt.Errorf("network.join_attempts must be positive")
	}
	if c.Health.IntervalSec <= 0 {
		return fmt.Errorf("health.interval_sec must be positive")
	}
	if c.Game.Players < 4 {
		return fmt.Errorf("game.players %d too few for a round (minimum 4)", c.Game.Players)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}
