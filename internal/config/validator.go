package config

import (
	"fmt"
	"strings"
)

const (
	DefaultBroker         = "localhost"
	DefaultWSPort         = 9001
	DefaultPath           = "/mqtt"
	DefaultClientIDPrefix = "webdash-"
	DefaultConnectTimeout = 5
	DefaultHistoryWindow  = 60
	DefaultLogRows        = 100
	DefaultListen         = ":8080"
	DefaultClientBuffer   = 16
	DefaultWriteTimeout   = 5
	DefaultShutdown       = 5
	DefaultRecorderPath   = "data/signal_decisions.csv"
	DefaultArchiveDB      = "signaldash"
	DefaultArchiveColl    = "decisions"
)

// Validate fills defaults and checks the configuration
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	if strings.Contains(cfg.MQTT.Broker, "://") {
		return fmt.Errorf("mqtt.broker must be a host name, not a URL (got %q)", cfg.MQTT.Broker)
	}
	if cfg.MQTT.WSPort < 1 || cfg.MQTT.WSPort > 65535 {
		return fmt.Errorf("mqtt.ws_port must be in 1..65535, got %d", cfg.MQTT.WSPort)
	}
	if !strings.HasPrefix(cfg.MQTT.Path, "/") {
		return fmt.Errorf("mqtt.path must start with '/', got %q", cfg.MQTT.Path)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.ConnectTimeoutS < 0 {
		return fmt.Errorf("mqtt.connect_timeout_s must be >= 0")
	}

	if cfg.Dashboard.HistoryWindow < 0 {
		return fmt.Errorf("dashboard.history_window must be > 0")
	}
	if cfg.Dashboard.LogRows < 0 {
		return fmt.Errorf("dashboard.log_rows must be > 0")
	}

	if cfg.Archive.URI != "" && !strings.HasPrefix(cfg.Archive.URI, "mongodb") {
		return fmt.Errorf("archive.uri must be a mongodb:// or mongodb+srv:// URI")
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = DefaultShutdown
	}

	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = DefaultBroker
	}
	if cfg.MQTT.WSPort == 0 {
		cfg.MQTT.WSPort = DefaultWSPort
	}
	if cfg.MQTT.Path == "" {
		cfg.MQTT.Path = DefaultPath
	}
	if cfg.MQTT.ClientIDPrefix == "" {
		cfg.MQTT.ClientIDPrefix = DefaultClientIDPrefix
	}
	if cfg.MQTT.ConnectTimeoutS == 0 {
		cfg.MQTT.ConnectTimeoutS = DefaultConnectTimeout
	}

	if cfg.Dashboard.HistoryWindow == 0 {
		cfg.Dashboard.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Dashboard.LogRows == 0 {
		cfg.Dashboard.LogRows = DefaultLogRows
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = DefaultListen
	}
	if cfg.HTTP.ClientBuffer <= 0 {
		cfg.HTTP.ClientBuffer = DefaultClientBuffer
	}
	if cfg.HTTP.WriteTimeoutS <= 0 {
		cfg.HTTP.WriteTimeoutS = DefaultWriteTimeout
	}

	if cfg.Recorder.Path == "" {
		cfg.Recorder.Path = DefaultRecorderPath
	}

	if cfg.Archive.Database == "" {
		cfg.Archive.Database = DefaultArchiveDB
	}
	if cfg.Archive.Collection == "" {
		cfg.Archive.Collection = DefaultArchiveColl
	}
}
