// Package config loads and validates the pipeline configuration.
// Configuration errors are the only fatal condition in the system; every
// runtime fault downstream is counted and logged instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kafaat/sahool-iot-pipeline/errors"
)

// Config is the complete pipeline configuration. All durations are
// expressed in the unit named by the field suffix, mirroring the
// operational interface contract.
type Config struct {
	// Device fabric (MQTT)
	Fabric FabricConfig `json:"fabric"`

	// Internal event bus (NATS)
	Bus BusConfig `json:"bus"`

	// HTTP operational surface
	HTTPAddr string `json:"http_addr"`

	// Registry / liveness
	OfflineTimeoutS    int     `json:"offline_timeout_s"`
	LivenessScanS      int     `json:"liveness_scan_s"`
	BatteryLowPct      float64 `json:"battery_low_pct"`
	BatteryCriticalPct float64 `json:"battery_critical_pct"`

	// Aggregation
	AggregationFlushIntervalS int     `json:"aggregation_flush_interval_s"`
	OutlierZK                 float64 `json:"outlier_z_k"`
	OutlierIQRM               float64 `json:"outlier_iqr_m"`
	OutlierFractionCeiling    float64 `json:"outlier_fraction_ceiling"`
	DriftWindow               int     `json:"drift_window"`
	RingCapacity              int     `json:"ring_capacity"`
	RetentionDays             int     `json:"retention_days"`
	SampleIntervalS           int     `json:"sample_interval_s"`
	EmitAggregates            bool    `json:"emit_aggregates"`

	// Alerting
	AlertCheckIntervalS int `json:"alert_check_interval_s"`
	OutboxCapacity      int `json:"outbox_capacity"`

	// Publishing / reconnect policy
	PublishTimeoutMS int `json:"publish_timeout_ms"`
	ReconnectBaseMS  int `json:"reconnect_base_ms"`
	ReconnectCapMS   int `json:"reconnect_cap_ms"`
	DrainGraceS      int `json:"drain_grace_s"`

	// Normalization
	SensorTypePassthrough bool `json:"sensor_type_passthrough"`
}

// FabricConfig holds device fabric connection settings.
type FabricConfig struct {
	BrokerURL string `json:"broker_url"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	TopicRoot string `json:"topic_root"`
}

// BusConfig holds internal event bus connection settings.
type BusConfig struct {
	URL string `json:"url"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Fabric: FabricConfig{
			BrokerURL: "tcp://localhost:1883",
			ClientID:  "iot-pipeline",
			TopicRoot: "sahool",
		},
		Bus:      BusConfig{URL: "nats://localhost:4222"},
		HTTPAddr: ":8090",

		OfflineTimeoutS:    300,
		LivenessScanS:      60,
		BatteryLowPct:      20,
		BatteryCriticalPct: 5,

		AggregationFlushIntervalS: 60,
		OutlierZK:                 3.0,
		OutlierIQRM:               1.5,
		OutlierFractionCeiling:    0.3,
		DriftWindow:               10,
		RingCapacity:              2048,
		RetentionDays:             90,
		SampleIntervalS:           60,
		EmitAggregates:            true,

		AlertCheckIntervalS: 3600,
		OutboxCapacity:      10000,

		PublishTimeoutMS: 2000,
		ReconnectBaseMS:  100,
		ReconnectCapMS:   30000,
		DrainGraceS:      5,

		SensorTypePassthrough: false,
	}
}

// Load reads configuration from a JSON file, layered over defaults and
// under environment overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "config file read")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "config file parsing")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the loaded configuration.
func (c *Config) applyEnv() {
	if v := os.Getenv("IOT_FABRIC_BROKER_URL"); v != "" {
		c.Fabric.BrokerURL = v
	}
	if v := os.Getenv("IOT_FABRIC_CLIENT_ID"); v != "" {
		c.Fabric.ClientID = v
	}
	if v := os.Getenv("IOT_FABRIC_USERNAME"); v != "" {
		c.Fabric.Username = v
	}
	if v := os.Getenv("IOT_FABRIC_PASSWORD"); v != "" {
		c.Fabric.Password = v
	}
	if v := os.Getenv("IOT_FABRIC_TOPIC_ROOT"); v != "" {
		c.Fabric.TopicRoot = v
	}
	if v := os.Getenv("IOT_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("IOT_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("IOT_OFFLINE_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OfflineTimeoutS = n
		}
	}
	if v := os.Getenv("IOT_RING_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RingCapacity = n
		}
	}
	if v := os.Getenv("IOT_SENSOR_TYPE_PASSTHROUGH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SensorTypePassthrough = b
		}
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	check := func(ok bool, what string) error {
		if ok {
			return nil
		}
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, what),
			"config", "Validate", "configuration validation")
	}

	if err := check(c.Fabric.BrokerURL != "", "fabric broker_url is required"); err != nil {
		return err
	}
	if err := check(c.Fabric.TopicRoot != "", "fabric topic_root is required"); err != nil {
		return err
	}
	if err := check(c.Bus.URL != "", "bus url is required"); err != nil {
		return err
	}
	if err := check(c.OfflineTimeoutS > 0, "offline_timeout_s must be positive"); err != nil {
		return err
	}
	if err := check(c.LivenessScanS > 0, "liveness_scan_s must be positive"); err != nil {
		return err
	}
	if err := check(c.BatteryCriticalPct < c.BatteryLowPct,
		"battery_critical_pct must be below battery_low_pct"); err != nil {
		return err
	}
	if err := check(c.OutlierZK > 0, "outlier_z_k must be positive"); err != nil {
		return err
	}
	if err := check(c.OutlierIQRM > 0, "outlier_iqr_m must be positive"); err != nil {
		return err
	}
	if err := check(c.DriftWindow >= 2, "drift_window must be at least 2"); err != nil {
		return err
	}
	if err := check(c.RingCapacity > 0, "ring_capacity must be positive"); err != nil {
		return err
	}
	if err := check(c.OutboxCapacity > 0, "outbox_capacity must be positive"); err != nil {
		return err
	}
	if err := check(c.PublishTimeoutMS > 0, "publish_timeout_ms must be positive"); err != nil {
		return err
	}
	if err := check(c.ReconnectBaseMS > 0 && c.ReconnectCapMS >= c.ReconnectBaseMS,
		"reconnect backoff bounds are inconsistent"); err != nil {
		return err
	}
	return nil
}

// Convenience duration accessors

// OfflineTimeout returns the liveness timeout as a duration.
func (c *Config) OfflineTimeout() time.Duration {
	return time.Duration(c.OfflineTimeoutS) * time.Second
}

// LivenessScanInterval returns the background scan period.
func (c *Config) LivenessScanInterval() time.Duration {
	return time.Duration(c.LivenessScanS) * time.Second
}

// FlushInterval returns the aggregation flush period.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.AggregationFlushIntervalS) * time.Second
}

// PublishTimeout returns the per-publish deadline.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}

// ReconnectBase returns the reconnect backoff base delay.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

// ReconnectCap returns the reconnect backoff ceiling.
func (c *Config) ReconnectCap() time.Duration {
	return time.Duration(c.ReconnectCapMS) * time.Millisecond
}

// DrainGrace returns the shutdown drain deadline.
func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceS) * time.Second
}

// SampleInterval returns the declared sampling cadence.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalS) * time.Second
}

// Retention returns the coarse aggregate retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
