package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/livefeed/internal/session"
	"github.com/zsiec/livefeed/internal/transport"
)

// Config represents the complete service configuration
type Config struct {
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Policy    PolicyConfig    `yaml:"policy"`
	Transport TransportConfig `yaml:"transport"`
	Buffer    BufferConfig    `yaml:"buffer"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Streams   []StreamConfig  `yaml:"streams"`
}

// APIConfig contains the HTTPS control API configuration
type APIConfig struct {
	Addr         string        `yaml:"addr"`
	CertValidity time.Duration `yaml:"cert_validity"`
}

// MetricsConfig contains the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// PolicyConfig contains the retention and playback parameters, in seconds
type PolicyConfig struct {
	RetainedWindow   float64       `yaml:"retained_window"`
	SeekMargin       float64       `yaml:"seek_margin"`
	TrimEpsilon      float64       `yaml:"trim_epsilon"`
	InitialDuration  float64       `yaml:"initial_duration"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// TransportConfig contains media connection defaults
type TransportConfig struct {
	Default            string        `yaml:"default"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	MaxFrameSize       int           `yaml:"max_frame_size"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// BufferConfig contains decode buffer options
type BufferConfig struct {
	// OutputDir, if set, receives one {id}.mp4 recording per session.
	OutputDir    string `yaml:"output_dir"`
	CaptionLines int    `yaml:"caption_lines"`
}

// MQTTConfig contains lifecycle event publishing configuration. Publishing
// is disabled when Broker is empty.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Retained bool   `yaml:"retained"`
	Encoding string `yaml:"encoding"`
}

// StreamConfig is a stream started at boot
type StreamConfig struct {
	ID        string `yaml:"id"`
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	p := session.DefaultPolicy()
	return &Config{
		API:     APIConfig{Addr: ":4444", CertValidity: 14 * 24 * time.Hour},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Policy: PolicyConfig{
			RetainedWindow:   p.RetainedWindow,
			SeekMargin:       p.SeekMargin,
			TrimEpsilon:      p.TrimEpsilon,
			InitialDuration:  p.InitialDuration,
			ProgressInterval: p.ProgressInterval,
		},
		Transport: TransportConfig{
			Default:      string(transport.KindWebSocket),
			DialTimeout:  10 * time.Second,
			MaxFrameSize: transport.DefaultMaxFrameSize,
		},
		Buffer: BufferConfig{CaptionLines: 64},
		MQTT:   MQTTConfig{ClientID: "livefeed", Topic: "livefeed/sessions", Encoding: "json"},
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// ApplyEnv overrides fields from environment variables: API_ADDR,
// METRICS_ADDR, DEBUG and MQTT_BROKER.
func (c *Config) ApplyEnv(getenv func(string) string) {
	c.API.Addr = envOr(getenv, "API_ADDR", c.API.Addr)
	c.Metrics.Addr = envOr(getenv, "METRICS_ADDR", c.Metrics.Addr)
	c.MQTT.Broker = envOr(getenv, "MQTT_BROKER", c.MQTT.Broker)
	if getenv("DEBUG") != "" {
		c.Logging.Level = "debug"
	}
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate performs validation of the whole configuration
func (c *Config) Validate() error {
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy config: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("streams[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Validate validates API configuration
func (a *APIConfig) Validate() error {
	if a.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if a.CertValidity < time.Hour {
		return fmt.Errorf("cert_validity must be at least 1h, got %s", a.CertValidity)
	}
	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Addr == "" {
		return fmt.Errorf("addr cannot be empty when metrics are enabled")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return fmt.Errorf("invalid level %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

// Validate validates the retention policy
func (p *PolicyConfig) Validate() error {
	if p.RetainedWindow <= 0 {
		return fmt.Errorf("retained_window must be positive, got %v", p.RetainedWindow)
	}
	if p.SeekMargin <= 0 || p.SeekMargin >= p.RetainedWindow {
		return fmt.Errorf("seek_margin (%v) must be positive and less than retained_window (%v)",
			p.SeekMargin, p.RetainedWindow)
	}
	if p.TrimEpsilon <= 0 {
		return fmt.Errorf("trim_epsilon must be positive, got %v", p.TrimEpsilon)
	}
	if p.InitialDuration <= 0 {
		return fmt.Errorf("initial_duration must be positive, got %v", p.InitialDuration)
	}
	if p.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval must be positive, got %s", p.ProgressInterval)
	}
	return nil
}

// Validate validates transport defaults
func (t *TransportConfig) Validate() error {
	if _, err := transport.ParseKind(t.Default); err != nil {
		return err
	}
	if t.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %s", t.DialTimeout)
	}
	if t.MaxFrameSize < 1024 {
		return fmt.Errorf("max_frame_size must be at least 1024 bytes, got %d", t.MaxFrameSize)
	}
	return nil
}

// Validate validates MQTT configuration
func (m *MQTTConfig) Validate() error {
	if m.Broker == "" {
		return nil
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	switch m.Encoding {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("encoding must be json or msgpack, got %q", m.Encoding)
	}
	return nil
}

// Validate validates a boot stream
func (s *StreamConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if _, err := transport.ParseKind(s.Transport); err != nil {
		return err
	}
	return nil
}

// SessionPolicy converts the policy section for session.Config.
func (c *Config) SessionPolicy() session.Policy {
	return session.Policy{
		RetainedWindow:   c.Policy.RetainedWindow,
		SeekMargin:       c.Policy.SeekMargin,
		TrimEpsilon:      c.Policy.TrimEpsilon,
		InitialDuration:  c.Policy.InitialDuration,
		ProgressInterval: c.Policy.ProgressInterval,
	}
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
