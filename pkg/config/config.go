// Package config loads and validates the middlebox configuration from a
// YAML/JSON file and environment overrides. The result is frozen into a
// core.EngineConfig before the engine starts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/logging"
)

// EngineOptions is the file representation of the engine record; durations
// carry their unit in the field name.
type EngineOptions struct {
	IfaceNear string `json:"iface_near" yaml:"iface_near"`
	IfaceFar  string `json:"iface_far" yaml:"iface_far"`
	Shards    int    `json:"shards" yaml:"shards"`
	ProxyOnly bool   `json:"proxy_only" yaml:"proxy_only"`

	DCIDLen       int `json:"dcid_len" yaml:"dcid_len"`
	IdleTimeoutMs int `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`

	SentBufferCap   int `json:"sent_buffer_cap" yaml:"sent_buffer_cap"`
	SentBufferAgeMs int `json:"sent_buffer_age_ms" yaml:"sent_buffer_age_ms"`

	FlowletGapAbsUs int     `json:"flowlet_gap_abs_us" yaml:"flowlet_gap_abs_us"`
	FlowletGapMult  float64 `json:"flowlet_gap_mult" yaml:"flowlet_gap_mult"`
	FlowletMaxPkts  int     `json:"flowlet_max_pkts" yaml:"flowlet_max_pkts"`

	WindowDeltaUs int `json:"window_delta_us" yaml:"window_delta_us"`
	DupThreshold  int `json:"dup_threshold" yaml:"dup_threshold"`
	MinLossAgeUs  int `json:"min_loss_age_us" yaml:"min_loss_age_us"`
	AckedOffset   int `json:"acked_offset" yaml:"acked_offset"`

	InjectRatePerS   float64 `json:"inject_rate_per_s" yaml:"inject_rate_per_s"`
	InjectBurst      int     `json:"inject_burst" yaml:"inject_burst"`
	AmplificationCap float64 `json:"amplification_cap" yaml:"amplification_cap"`
	DupSuppressTTLMs int     `json:"dup_suppress_ttl_ms" yaml:"dup_suppress_ttl_ms"`

	MaxFlows              int `json:"max_flows" yaml:"max_flows"`
	MaintenanceIntervalMs int `json:"maintenance_interval_ms" yaml:"maintenance_interval_ms"`
	InitialRTTMs          int `json:"initial_rtt_ms" yaml:"initial_rtt_ms"`

	LogPath string `json:"log_path" yaml:"log_path"`
}

// LoggingConfig controls the rotated process log.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file" yaml:"file"`
	MaxSize    int    `json:"maxSize" yaml:"maxSize"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAge     int    `json:"maxAge" yaml:"maxAge"`
}

// MetricsConfig controls the Prometheus listener and the periodic stats
// line.
type MetricsConfig struct {
	Listen    string `json:"listen" yaml:"listen"`
	IntervalS int    `json:"interval_s" yaml:"interval_s"`
}

// Config is the complete configuration record.
type Config struct {
	Engine  EngineOptions `json:"engine" yaml:"engine"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// Default returns the configuration defaults; interface names must still be
// supplied.
func Default() *Config {
	return &Config{
		Engine: EngineOptions{
			Shards:                1,
			DCIDLen:               core.DefaultDCIDLen,
			IdleTimeoutMs:         int(core.DefaultIdleTimeout / time.Millisecond),
			SentBufferCap:         core.DefaultSentBufferCap,
			FlowletGapAbsUs:       int(core.DefaultFlowletGapAbs / time.Microsecond),
			FlowletGapMult:        core.DefaultFlowletGapMult,
			FlowletMaxPkts:        core.DefaultFlowletMaxPkts,
			WindowDeltaUs:         int(core.DefaultWindowDelta / time.Microsecond),
			DupThreshold:          core.DefaultDupThreshold,
			MinLossAgeUs:          int(core.DefaultMinLossAgeFloor / time.Microsecond),
			InjectRatePerS:        core.DefaultInjectRatePerSec,
			InjectBurst:           core.DefaultInjectBurst,
			AmplificationCap:      core.DefaultAmplificationCap,
			DupSuppressTTLMs:      int(core.DefaultDupSuppressTTLFloor / time.Millisecond),
			MaxFlows:              core.DefaultMaxFlows,
			MaintenanceIntervalMs: int(core.DefaultMaintenanceInterval / time.Millisecond),
			InitialRTTMs:          int(core.DefaultInitialRTT / time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			IntervalS: 10,
		},
	}
}

// LoadFromFile merges a YAML or JSON file into the config.
func LoadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// LoadFromEnv merges PEMI_* environment overrides into the config.
func LoadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("PEMI_IFACE_NEAR", &cfg.Engine.IfaceNear)
	str("PEMI_IFACE_FAR", &cfg.Engine.IfaceFar)
	num("PEMI_SHARDS", &cfg.Engine.Shards)
	num("PEMI_DCID_LEN", &cfg.Engine.DCIDLen)
	num("PEMI_IDLE_TIMEOUT_MS", &cfg.Engine.IdleTimeoutMs)
	str("PEMI_LOG_PATH", &cfg.Engine.LogPath)
	str("PEMI_LOG_LEVEL", &cfg.Logging.Level)
	str("PEMI_METRICS_LISTEN", &cfg.Metrics.Listen)
	if v := os.Getenv("PEMI_PROXY_ONLY"); v != "" {
		cfg.Engine.ProxyOnly = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate rejects an unusable configuration; the process exits with the
// configuration error code when this fails.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.IfaceNear == "" || e.IfaceFar == "" {
		return fmt.Errorf("both iface_near and iface_far must be set")
	}
	if e.IfaceNear == e.IfaceFar {
		return fmt.Errorf("iface_near and iface_far must differ")
	}
	if e.Shards < 1 {
		return fmt.Errorf("shards must be >= 1, got %d", e.Shards)
	}
	if e.DCIDLen < 1 || e.DCIDLen > 20 {
		return fmt.Errorf("dcid_len must be in [1,20], got %d", e.DCIDLen)
	}
	if e.SentBufferCap < 1 {
		return fmt.Errorf("sent_buffer_cap must be positive, got %d", e.SentBufferCap)
	}
	if e.FlowletGapMult <= 0 {
		return fmt.Errorf("flowlet_gap_mult must be positive, got %g", e.FlowletGapMult)
	}
	if e.AmplificationCap < 0 {
		return fmt.Errorf("amplification_cap must not be negative, got %g", e.AmplificationCap)
	}
	if e.InjectRatePerS < 0 || e.InjectBurst < 0 {
		return fmt.Errorf("injection rate and burst must not be negative")
	}
	if e.MaintenanceIntervalMs < 1 {
		return fmt.Errorf("maintenance_interval_ms must be positive, got %d", e.MaintenanceIntervalMs)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Build freezes the file options into the engine record.
func (c *Config) Build() core.EngineConfig {
	e := &c.Engine
	return core.EngineConfig{
		IfaceNear:           e.IfaceNear,
		IfaceFar:            e.IfaceFar,
		Shards:              e.Shards,
		ProxyOnly:           e.ProxyOnly,
		DCIDLen:             e.DCIDLen,
		IdleTimeout:         time.Duration(e.IdleTimeoutMs) * time.Millisecond,
		SentBufferCap:       e.SentBufferCap,
		SentBufferAge:       time.Duration(e.SentBufferAgeMs) * time.Millisecond,
		FlowletGapAbs:       time.Duration(e.FlowletGapAbsUs) * time.Microsecond,
		FlowletGapMult:      e.FlowletGapMult,
		FlowletMaxPkts:      e.FlowletMaxPkts,
		WindowDelta:         time.Duration(e.WindowDeltaUs) * time.Microsecond,
		DupThreshold:        e.DupThreshold,
		MinLossAge:          time.Duration(e.MinLossAgeUs) * time.Microsecond,
		AckedOffset:         e.AckedOffset,
		InjectRatePerSec:    e.InjectRatePerS,
		InjectBurst:         e.InjectBurst,
		AmplificationCap:    e.AmplificationCap,
		DupSuppressTTL:      time.Duration(e.DupSuppressTTLMs) * time.Millisecond,
		MaxFlows:            e.MaxFlows,
		MaintenanceInterval: time.Duration(e.MaintenanceIntervalMs) * time.Millisecond,
		InitialRTT:          time.Duration(e.InitialRTTMs) * time.Millisecond,
		LogPath:             e.LogPath,
	}
}

// ApplyLogging configures the process logger from the record.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	if c.Logging.File != "" {
		if err := logging.EnableFileLogging(c.Logging.File, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("enable file logging: %w", err)
		}
	}
	return nil
}
