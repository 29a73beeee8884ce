package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
folder: /data/gestures
cameras: [0, 1]
broker:
  kind: websocket
request_2d:
  min_window: 2
  deadline: 30s
  prefetch: 8
  filter: "person == 1"
request_3d:
  poll_timeout: 250ms
detector:
  drop_rate: 0.1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Folder != "/data/gestures" {
		t.Errorf("Folder = %q", cfg.Folder)
	}
	if len(cfg.Cameras) != 2 || cfg.Cameras[1] != 1 {
		t.Errorf("Cameras = %v", cfg.Cameras)
	}
	if cfg.Broker.URI != DefaultWSURI {
		t.Errorf("Broker.URI = %q, want %q", cfg.Broker.URI, DefaultWSURI)
	}

	r2 := cfg.Request2D
	if r2.Topic != Default2DTopic || r2.MinWindow != 2 || r2.MaxWindow != Default2DMaxWindow {
		t.Errorf("Request2D = %+v", r2)
	}
	if r2.Deadline != 30*time.Second || r2.PollTimeout != DefaultPollTimeout || r2.Prefetch != 8 {
		t.Errorf("Request2D timing = %+v", r2)
	}
	if r2.Filter != "person == 1" || r2.JPEGQuality != DefaultJPEGQuality {
		t.Errorf("Request2D = %+v", r2)
	}

	r3 := cfg.Request3D
	if r3.Topic != Default3DTopic || r3.MinWindow != 50 || r3.MaxWindow != 1000 || r3.Deadline != 5*time.Second {
		t.Errorf("Request3D = %+v", r3)
	}
	if r3.PollTimeout != 250*time.Millisecond {
		t.Errorf("Request3D.PollTimeout = %s", r3.PollTimeout)
	}
	if cfg.Detector.DropRate != 0.1 || cfg.Detector.Workers != 1 {
		t.Errorf("Detector = %+v", cfg.Detector)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("bad yaml", func(t *testing.T) {
		if _, err := Load(writeConfig(t, "folder: [")); err == nil {
			t.Error("expected an error")
		}
	})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown broker", "broker: {kind: amqp}", "unknown kind"},
		{"bad qos", "broker: {qos: 3}", "qos"},
		{"inverted window", "request_2d: {min_window: 20, max_window: 10}", "max_window"},
		{"duplicate camera", "cameras: [1, 1]", "twice"},
		{"drop rate", "detector: {drop_rate: 2}", "drop_rate"},
		{"jpeg quality", "request_2d: {jpeg_quality: 101}", "jpeg_quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Broker.Kind != BrokerMQTT || cfg.Broker.URI != DefaultMQTTURI || cfg.Broker.ReplyPrefix != DefaultReplyPrefix {
		t.Errorf("Broker = %+v", cfg.Broker)
	}
	if len(cfg.Cameras) != 4 {
		t.Errorf("Cameras = %v", cfg.Cameras)
	}
	if cfg.Request2D.MinWindow != 5 || cfg.Request2D.MaxWindow != 10 || cfg.Request2D.Deadline != 15*time.Second {
		t.Errorf("Request2D = %+v", cfg.Request2D)
	}
	if cfg.Ledger.Path != DefaultLedgerPath || cfg.Gateway.Addr != DefaultGatewayAddr {
		t.Errorf("Ledger = %+v, Gateway = %+v", cfg.Ledger, cfg.Gateway)
	}

	// Default must not share the camera slice.
	cfg.Cameras[0] = 42
	if DefaultCameras[0] != 0 {
		t.Error("Default() aliases DefaultCameras")
	}
}
