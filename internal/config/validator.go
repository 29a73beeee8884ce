package config

import (
	"fmt"
	"time"
)

// Defaults for the 2-D detection pipeline.
const (
	Default2DTopic     = "SkeletonsDetector.Detect"
	Default2DMinWindow = 5
	Default2DMaxWindow = 10
	Default2DDeadline  = 15 * time.Second
)

// Defaults for the 3-D localization pipeline.
const (
	Default3DTopic     = "SkeletonsGrouper.Localize"
	Default3DMinWindow = 50
	Default3DMaxWindow = 1000
	Default3DDeadline  = 5 * time.Second
)

const (
	DefaultPollTimeout = time.Second
	DefaultJPEGQuality = 90
	DefaultMQTTURI     = "tcp://localhost:1883"
	DefaultWSURI       = "ws://localhost:8080/ws"
	DefaultReplyPrefix = "dataset-creator/replies"
	DefaultLedgerPath  = "dataset-creator.db"
	DefaultGatewayAddr = ":8080"
)

// DefaultCameras are the camera ids of the capture rig.
var DefaultCameras = []int{0, 1, 2, 3}

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if len(cfg.Cameras) == 0 {
		cfg.Cameras = append([]int(nil), DefaultCameras...)
	}
	seen := make(map[int]bool, len(cfg.Cameras))
	for _, c := range cfg.Cameras {
		if c < 0 || c > 99 {
			return fmt.Errorf("camera id %d out of range [0, 99]", c)
		}
		if seen[c] {
			return fmt.Errorf("camera %d listed twice", c)
		}
		seen[c] = true
	}

	if err := validateBroker(&cfg.Broker); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	cfg.Request2D.defaults(Default2DTopic, Default2DMinWindow, Default2DMaxWindow, Default2DDeadline)
	if err := cfg.Request2D.validate(); err != nil {
		return fmt.Errorf("request_2d: %w", err)
	}
	if cfg.Request2D.JPEGQuality == 0 {
		cfg.Request2D.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.Request2D.JPEGQuality < 1 || cfg.Request2D.JPEGQuality > 100 {
		return fmt.Errorf("request_2d: jpeg_quality must be in [1, 100], got %d", cfg.Request2D.JPEGQuality)
	}

	cfg.Request3D.defaults(Default3DTopic, Default3DMinWindow, Default3DMaxWindow, Default3DDeadline)
	if err := cfg.Request3D.validate(); err != nil {
		return fmt.Errorf("request_3d: %w", err)
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = DefaultLedgerPath
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = DefaultGatewayAddr
	}

	return validateDetector(&cfg.Detector)
}

func validateBroker(b *BrokerConfig) error {
	if b.Kind == "" {
		b.Kind = BrokerMQTT
	}
	switch b.Kind {
	case BrokerMQTT:
		if b.URI == "" {
			b.URI = DefaultMQTTURI
		}
		if b.QoS > 2 {
			return fmt.Errorf("qos must be 0, 1 or 2, got %d", b.QoS)
		}
		if b.ReplyPrefix == "" {
			b.ReplyPrefix = DefaultReplyPrefix
		}
	case BrokerWebSocket:
		if b.URI == "" {
			b.URI = DefaultWSURI
		}
	case BrokerLoopback:
	default:
		return fmt.Errorf("unknown kind %q (must be mqtt, websocket or loopback)", b.Kind)
	}
	if b.Latency < 0 {
		return fmt.Errorf("latency must not be negative")
	}
	return nil
}

func (p *PipelineConfig) defaults(topic string, minWindow, maxWindow int, deadline time.Duration) {
	if p.Topic == "" {
		p.Topic = topic
	}
	if p.MinWindow == 0 {
		p.MinWindow = minWindow
	}
	if p.MaxWindow == 0 {
		p.MaxWindow = maxWindow
	}
	if p.Deadline == 0 {
		p.Deadline = deadline
	}
	if p.PollTimeout == 0 {
		p.PollTimeout = DefaultPollTimeout
	}
}

func (p *PipelineConfig) validate() error {
	if p.MinWindow < 1 {
		return fmt.Errorf("min_window must be > 0, got %d", p.MinWindow)
	}
	if p.MaxWindow < p.MinWindow {
		return fmt.Errorf("max_window (%d) must be >= min_window (%d)", p.MaxWindow, p.MinWindow)
	}
	if p.Deadline < 0 || p.PollTimeout < 0 {
		return fmt.Errorf("deadline and poll_timeout must be positive")
	}
	if p.Prefetch < 0 {
		return fmt.Errorf("prefetch must not be negative")
	}
	return nil
}

func validateDetector(d *DetectorConfig) error {
	if d.MeanDelay == 0 {
		d.MeanDelay = 100 * time.Millisecond
	}
	if d.DelayJitter == 0 {
		d.DelayJitter = 20 * time.Millisecond
	}
	if d.DelayJitter > d.MeanDelay {
		return fmt.Errorf("detector: delay_jitter (%s) exceeds mean_delay (%s)", d.DelayJitter, d.MeanDelay)
	}
	if d.MaxFrameID == 0 {
		d.MaxFrameID = 4
	}
	if d.MaxObjects == 0 {
		d.MaxObjects = 3
	}
	if d.DropRate < 0 || d.DropRate > 1 {
		return fmt.Errorf("detector: drop_rate must be in [0, 1], got %g", d.DropRate)
	}
	if d.Workers == 0 {
		d.Workers = 1
	}
	if d.Workers < 0 || d.MaxFrameID < 0 || d.MaxObjects < 0 || d.MeanDelay < 0 {
		return fmt.Errorf("detector: negative setting")
	}
	return nil
}
