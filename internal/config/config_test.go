package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "livefeed.yaml")
	data := `
api:
  addr: ":8443"
logging:
  level: debug
  format: json
policy:
  retained_window: 60
  seek_margin: 20
  progress_interval: 500ms
transport:
  default: quic
mqtt:
  broker: "localhost:1883"
  encoding: msgpack
streams:
  - id: cam-1
    address: 10.0.0.5
    port: 8080
  - id: cam-2
    address: 10.0.0.6
    port: 9000
    transport: srt
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Addr != ":8443" && cfg.API.Addr != os.Getenv("API_ADDR") {
		t.Errorf("api addr = %q", cfg.API.Addr)
	}
	if cfg.Policy.RetainedWindow != 60 || cfg.Policy.SeekMargin != 20 {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Policy.ProgressInterval != 500*time.Millisecond {
		t.Errorf("progress_interval = %s", cfg.Policy.ProgressInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Policy.TrimEpsilon != 0.01 || cfg.Transport.DialTimeout != 10*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Policy, cfg.Transport)
	}
	if len(cfg.Streams) != 2 || cfg.Streams[1].Transport != "srt" {
		t.Errorf("streams = %+v", cfg.Streams)
	}

	p := cfg.SessionPolicy()
	if p.RetainedWindow != 60 || p.ProgressInterval != 500*time.Millisecond {
		t.Errorf("SessionPolicy = %+v", p)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"API_ADDR":     ":1111",
		"METRICS_ADDR": ":2222",
		"MQTT_BROKER":  "broker:1883",
		"DEBUG":        "1",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.API.Addr != ":1111" || cfg.Metrics.Addr != ":2222" || cfg.MQTT.Broker != "broker:1883" {
		t.Errorf("overrides not applied: %+v %+v %+v", cfg.API, cfg.Metrics, cfg.MQTT)
	}
	if cfg.Logging.Level != "debug" || cfg.LogLevel().String() != "DEBUG" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}

	cfg = Default()
	cfg.ApplyEnv(func(string) string { return "" })
	if cfg.API.Addr != ":4444" {
		t.Errorf("empty env should keep defaults, got %q", cfg.API.Addr)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"empty api addr", func(c *Config) { c.API.Addr = "" }, "addr cannot be empty"},
		{"short cert validity", func(c *Config) { c.API.CertValidity = time.Minute }, "cert_validity"},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, "metrics are enabled"},
		{"metrics disabled without addr", func(c *Config) { c.Metrics = MetricsConfig{} }, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
		{"margin over window", func(c *Config) { c.Policy.SeekMargin = 120 }, "seek_margin"},
		{"zero epsilon", func(c *Config) { c.Policy.TrimEpsilon = 0 }, "trim_epsilon"},
		{"zero progress", func(c *Config) { c.Policy.ProgressInterval = 0 }, "progress_interval"},
		{"unknown transport", func(c *Config) { c.Transport.Default = "rtmp" }, "unknown kind"},
		{"tiny frames", func(c *Config) { c.Transport.MaxFrameSize = 10 }, "max_frame_size"},
		{"mqtt qos", func(c *Config) { c.MQTT.Broker = "b:1883"; c.MQTT.QoS = 3 }, "qos"},
		{"mqtt encoding", func(c *Config) { c.MQTT.Broker = "b:1883"; c.MQTT.Encoding = "xml" }, "encoding"},
		{"mqtt disabled ignores fields", func(c *Config) { c.MQTT.QoS = 9 }, ""},
		{"stream without id", func(c *Config) {
			c.Streams = []StreamConfig{{Address: "h", Port: 1}}
		}, "id cannot be empty"},
		{"stream bad port", func(c *Config) {
			c.Streams = []StreamConfig{{ID: "a", Address: "h", Port: 70000}}
		}, "port"},
		{"duplicate streams", func(c *Config) {
			c.Streams = []StreamConfig{{ID: "a", Address: "h", Port: 1}, {ID: "a", Address: "h", Port: 2}}
		}, "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}
