package torrent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// EngineConfig holds the swarm's construction-time constants
// (max_peers, listening port, block size) plus the per-connection
// timeouts. An optional YAML file (loaded with LoadConfig) can
// override any subset of them, in the style of uber-kraken's
// configuration/config.go.
type EngineConfig struct {
	MaxPeers          int           `yaml:"max_peers"`
	Port              int           `yaml:"port"`
	BlockSize         int           `yaml:"block_size"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MessageTimeout    time.Duration `yaml:"message_timeout"`
	TrackerRampRounds int           `yaml:"tracker_ramp_rounds"`
	TrackerRampWait   time.Duration `yaml:"tracker_ramp_wait"`
	TrackerMinWait    time.Duration `yaml:"tracker_min_interval"`
}

// DefaultConfig returns the stock engine constants: 45 max peers,
// port 6881, 16 KiB blocks, a 1s connect timeout, a 2s message-read
// timeout, and the tracker's three-rounds-at-10s ramp-up before
// honoring the tracker-supplied interval.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		MaxPeers:          45,
		Port:              6881,
		BlockSize:         BlockSize,
		ConnectTimeout:    1 * time.Second,
		MessageTimeout:    2 * time.Second,
		TrackerRampRounds: 3,
		TrackerRampWait:   10 * time.Second,
		TrackerMinWait:    5 * time.Second,
	}
}

// LoadConfig reads a YAML override file and applies any fields it
// sets on top of DefaultConfig(). Every field the YAML document sets,
// zero included, replaces the default; fields it leaves out keep
// their default. max_peers, port and block_size must end up positive
// or an error is returned; the timeout and tracker fields are not
// range-checked.
func LoadConfig(path string) (EngineConfig, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var overrides struct {
		MaxPeers          *int           `yaml:"max_peers"`
		Port              *int           `yaml:"port"`
		BlockSize         *int           `yaml:"block_size"`
		ConnectTimeout    *time.Duration `yaml:"connect_timeout"`
		MessageTimeout    *time.Duration `yaml:"message_timeout"`
		TrackerRampRounds *int           `yaml:"tracker_ramp_rounds"`
		TrackerRampWait   *time.Duration `yaml:"tracker_ramp_wait"`
		TrackerMinWait    *time.Duration `yaml:"tracker_min_interval"`
	}

	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if overrides.MaxPeers != nil {
		cfg.MaxPeers = *overrides.MaxPeers
	}
	if overrides.Port != nil {
		cfg.Port = *overrides.Port
	}
	if overrides.BlockSize != nil {
		cfg.BlockSize = *overrides.BlockSize
	}
	if overrides.ConnectTimeout != nil {
		cfg.ConnectTimeout = *overrides.ConnectTimeout
	}
	if overrides.MessageTimeout != nil {
		cfg.MessageTimeout = *overrides.MessageTimeout
	}
	if overrides.TrackerRampRounds != nil {
		cfg.TrackerRampRounds = *overrides.TrackerRampRounds
	}
	if overrides.TrackerRampWait != nil {
		cfg.TrackerRampWait = *overrides.TrackerRampWait
	}
	if overrides.TrackerMinWait != nil {
		cfg.TrackerMinWait = *overrides.TrackerMinWait
	}

	if cfg.MaxPeers <= 0 || cfg.Port <= 0 || cfg.BlockSize <= 0 {
		return cfg, fmt.Errorf("config: max_peers, port and block_size must be positive")
	}

	return cfg, nil
}
