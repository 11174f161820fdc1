package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete signaldash configuration
type Config struct {
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Dashboard        DashboardConfig `yaml:"dashboard"`
	HTTP             HTTPConfig      `yaml:"http"`
	Recorder         RecorderConfig  `yaml:"recorder"`
	Archive          ArchiveConfig   `yaml:"archive"`
}

// MQTTConfig contains broker connection settings
type MQTTConfig struct {
	Broker          string `yaml:"broker"`            // host only, no scheme
	WSPort          int    `yaml:"ws_port"`           // websocket listener of the broker (default: 9001)
	Path            string `yaml:"path"`              // websocket sub-path (default: /mqtt)
	ClientIDPrefix  string `yaml:"client_id_prefix"`  // default: webdash-
	ConnectTimeoutS int    `yaml:"connect_timeout_s"` // handshake timeout (default: 5)
	QoS             byte   `yaml:"qos"`
	AutoConnect     bool   `yaml:"auto_connect"` // connect on startup instead of waiting for a request
}

// DashboardConfig contains view model settings
type DashboardConfig struct {
	HistoryWindow int `yaml:"history_window"` // samples per series (default: 60)
	LogRows       int `yaml:"log_rows"`       // decision log cap (default: 100)
	// ReasonOverride replaces the reason of every decision when set.
	// Empty keeps the reason supplied by the controller.
	ReasonOverride string `yaml:"reason_override"`
}

// HTTPConfig contains the web server settings
type HTTPConfig struct {
	Listen        string `yaml:"listen"`          // default: :8080
	ClientBuffer  int    `yaml:"client_buffer"`   // per-websocket-client update buffer (default: 16)
	WriteTimeoutS int    `yaml:"write_timeout_s"` // websocket write deadline (default: 5)
}

// RecorderConfig enables the CSV cycle recorder
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: data/signal_decisions.csv
}

// ArchiveConfig enables the MongoDB decision archive
type ArchiveConfig struct {
	URI        string `yaml:"uri"` // empty disables the archive
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
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

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ConnectTimeout returns the MQTT handshake timeout
func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutS) * time.Second
}

// BrokerURL builds the websocket broker URL for host and port
func (m MQTTConfig) BrokerURL(host string, port int) string {
	return fmt.Sprintf("ws://%s:%d%s", host, port, m.Path)
}

// WriteTimeout returns the websocket write deadline
func (h HTTPConfig) WriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeoutS) * time.Second
}
