// Package config loads the YAML configuration shared by every
// dataset-creator command.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dataset-creator configuration.
type Config struct {
	// Folder holds the videos and the annotation files.
	Folder    string         `yaml:"folder"`
	Cameras   []int          `yaml:"cameras"`
	Broker    BrokerConfig   `yaml:"broker"`
	Request2D PipelineConfig `yaml:"request_2d"`
	Request3D PipelineConfig `yaml:"request_3d"`
	Ledger    LedgerConfig   `yaml:"ledger"`
	Gateway   GatewayConfig  `yaml:"gateway"`
	Detector  DetectorConfig `yaml:"detector"`
}

// Broker kinds.
const (
	BrokerMQTT      = "mqtt"
	BrokerWebSocket = "websocket"
	BrokerLoopback  = "loopback"
)

// BrokerConfig selects the request/reply transport.
type BrokerConfig struct {
	Kind        string        `yaml:"kind"` // mqtt, websocket, loopback
	URI         string        `yaml:"uri"`
	ClientID    string        `yaml:"client_id"`
	QoS         byte          `yaml:"qos"`
	ReplyPrefix string        `yaml:"reply_prefix"`
	Latency     time.Duration `yaml:"latency"` // loopback only
}

// PipelineConfig tunes one request pipeline.
type PipelineConfig struct {
	Topic       string        `yaml:"topic"`
	MinWindow   int           `yaml:"min_window"`
	MaxWindow   int           `yaml:"max_window"`
	Deadline    time.Duration `yaml:"deadline"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	Prefetch    int           `yaml:"prefetch"`     // frames decoded ahead, 2-D only
	JPEGQuality int           `yaml:"jpeg_quality"` // 2-D only
	// Filter is a CEL expression over person, gesture, camera and base.
	Filter string `yaml:"filter"`
}

// LedgerConfig locates the run ledger.
type LedgerConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// GatewayConfig configures the WebSocket gateway.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// DetectorConfig configures the simulated detector service.
type DetectorConfig struct {
	MeanDelay    time.Duration `yaml:"mean_delay"`
	DelayJitter  time.Duration `yaml:"delay_jitter"`
	MaxFrameID   int           `yaml:"max_frame_id"`
	MaxObjects   int           `yaml:"max_objects"`
	DropRate     float64       `yaml:"drop_rate"`
	VerifyImages bool          `yaml:"verify_images"`
	Workers      int           `yaml:"workers"`
	Seed         uint64        `yaml:"seed"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	if err := Validate(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}
