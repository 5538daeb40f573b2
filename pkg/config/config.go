package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. BURROW_MAXRETRIES or BURROW_STORAGE_DRIVER.
const EnvPrefix = "BURROW"

// Storage drivers
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageRaft   = "raft"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete engine configuration
type Config struct {
	MaxRetries      int           `yaml:"maxRetries" mapstructure:"maxRetries"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay" mapstructure:"retryBaseDelay"`
	RecoveryTimeout time.Duration `yaml:"recoveryTimeout" mapstructure:"recoveryTimeout"`
	RecoveryWorkers int           `yaml:"recoveryWorkers" mapstructure:"recoveryWorkers"`

	ScaleCooldownSeconds int     `yaml:"scaleCooldownSeconds" mapstructure:"scaleCooldownSeconds"`
	ScaleUpThreshold     float64 `yaml:"scaleUpThreshold" mapstructure:"scaleUpThreshold"`
	ScaleDownThreshold   float64 `yaml:"scaleDownThreshold" mapstructure:"scaleDownThreshold"`
	ScaleUpFactor        float64 `yaml:"scaleUpFactor" mapstructure:"scaleUpFactor"`
	ScaleDownFactor      float64 `yaml:"scaleDownFactor" mapstructure:"scaleDownFactor"`

	AgingWeight  float64      `yaml:"agingWeight" mapstructure:"agingWeight"`
	RetryPenalty float64      `yaml:"retryPenalty" mapstructure:"retryPenalty"`
	BasePriority BasePriority `yaml:"basePriority" mapstructure:"basePriority"`

	LoadBalancerWeights     LoadBalancerWeights `yaml:"loadBalancerWeights" mapstructure:"loadBalancerWeights"`
	HistoryWindow           int                 `yaml:"historyWindow" mapstructure:"historyWindow"`
	MetricsHistoryMaxLength int                 `yaml:"metricsHistoryMaxLength" mapstructure:"metricsHistoryMaxLength"`

	Strategy      string  `yaml:"strategy" mapstructure:"strategy"`
	BaseStrategy  string  `yaml:"baseStrategy" mapstructure:"baseStrategy"`
	LoadThreshold float64 `yaml:"loadThreshold" mapstructure:"loadThreshold"`
	BufferRatio   float64 `yaml:"bufferRatio" mapstructure:"bufferRatio"`

	ScheduleInterval time.Duration   `yaml:"scheduleInterval" mapstructure:"scheduleInterval"`
	MonitorInterval  time.Duration   `yaml:"monitorInterval" mapstructure:"monitorInterval"`
	SampleTimeout    time.Duration   `yaml:"sampleTimeout" mapstructure:"sampleTimeout"`
	WarningDeadline  time.Duration   `yaml:"warningDeadline" mapstructure:"warningDeadline"`
	AlertThresholds  AlertThresholds `yaml:"alertThresholds" mapstructure:"alertThresholds"`
	AlertInterval    time.Duration   `yaml:"alertInterval" mapstructure:"alertInterval"`
	Probe            Probe           `yaml:"probe" mapstructure:"probe"`

	Log     Log     `yaml:"log" mapstructure:"log"`
	Storage Storage `yaml:"storage" mapstructure:"storage"`
	Metrics Metrics `yaml:"metrics" mapstructure:"metrics"`
	API     API     `yaml:"api" mapstructure:"api"`
}

// BasePriority is the score each priority level starts from
type BasePriority struct {
	High   float64 `yaml:"high" mapstructure:"high"`
	Normal float64 `yaml:"normal" mapstructure:"normal"`
	Low    float64 `yaml:"low" mapstructure:"low"`
}

// LoadBalancerWeights weight the three instance scores
type LoadBalancerWeights struct {
	Load    float64 `yaml:"load" mapstructure:"load"`
	History float64 `yaml:"history" mapstructure:"history"`
	Match   float64 `yaml:"match" mapstructure:"match"`
}

// AlertThresholds are the utilisation percentages that raise threshold alerts
type AlertThresholds struct {
	CPU    float64 `yaml:"cpu" mapstructure:"cpu"`
	Memory float64 `yaml:"memory" mapstructure:"memory"`
}

// Probe configures resource instance health probes
type Probe struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retries int           `yaml:"retries" mapstructure:"retries"`
}

// Log configures the global logger
type Log struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// Storage selects the snapshot store
type Storage struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`
	DataDir string `yaml:"dataDir" mapstructure:"dataDir"`
	Raft    Raft   `yaml:"raft" mapstructure:"raft"`
}

// Raft configures the replicated snapshot store
type Raft struct {
	NodeID    string `yaml:"nodeID" mapstructure:"nodeID"`
	BindAddr  string `yaml:"bindAddr" mapstructure:"bindAddr"`
	Bootstrap bool   `yaml:"bootstrap" mapstructure:"bootstrap"`
}

// Metrics configures the HTTP endpoint serving metrics and health
type Metrics struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// API configures the HTTP API. The metrics address serves a read-only view
// of the same endpoints.
type API struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		MaxRetries:      3,
		RetryBaseDelay:  time.Second,
		RecoveryTimeout: 30 * time.Second,
		RecoveryWorkers: 4,

		ScaleCooldownSeconds: 300,
		ScaleUpThreshold:     80,
		ScaleDownThreshold:   20,
		ScaleUpFactor:        1.5,
		ScaleDownFactor:      0.75,

		AgingWeight:  20,
		RetryPenalty: 5,
		BasePriority: BasePriority{High: 100, Normal: 50, Low: 10},

		LoadBalancerWeights:     LoadBalancerWeights{Load: 0.4, History: 0.3, Match: 0.3},
		HistoryWindow:           300,
		MetricsHistoryMaxLength: 100,

		Strategy:      "proportional",
		BaseStrategy:  "proportional",
		LoadThreshold: 0.8,
		BufferRatio:   0.2,

		ScheduleInterval: 500 * time.Millisecond,
		MonitorInterval:  5 * time.Second,
		SampleTimeout:    2 * time.Second,
		WarningDeadline:  5 * time.Minute,
		AlertThresholds:  AlertThresholds{CPU: 90, Memory: 85},
		AlertInterval:    time.Minute,
		Probe:            Probe{Timeout: 2 * time.Second, Retries: 3},

		Log: Log{Level: "info", JSON: true},
		Storage: Storage{
			Driver:  StorageMemory,
			DataDir: "./burrow-data",
			Raft:    Raft{NodeID: "burrow-1", BindAddr: "127.0.0.1:7946", Bootstrap: true},
		},
		Metrics: Metrics{Enabled: true, Addr: ":9090"},
		API:     API{Enabled: true, Addr: "127.0.0.1:8080"},
	}
}

// Load builds a Config from the defaults, the optional YAML file at path and
// BURROW_ environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller supplied viper instance, so CLI flags bound
// to v take precedence over everything else.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	defaults, err := Default().Marshal()
	if err != nil {
		return nil, err
	}

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.MaxRetries >= 0, "maxRetries must not be negative")
	check(c.RetryBaseDelay >= 0, "retryBaseDelay must not be negative")
	check(c.RecoveryTimeout > 0, "recoveryTimeout must be positive")
	check(c.RecoveryWorkers > 0, "recoveryWorkers must be positive")

	check(c.ScaleCooldownSeconds >= 0, "scaleCooldownSeconds must not be negative")
	check(c.ScaleDownThreshold >= 0 && c.ScaleDownThreshold < c.ScaleUpThreshold && c.ScaleUpThreshold <= 100,
		"scale thresholds must satisfy 0 <= down < up <= 100")
	check(c.ScaleUpFactor > 1, "scaleUpFactor must be greater than 1")
	check(c.ScaleDownFactor > 0 && c.ScaleDownFactor < 1, "scaleDownFactor must be in (0, 1)")

	check(c.AgingWeight >= 0, "agingWeight must not be negative")
	check(c.RetryPenalty >= 0, "retryPenalty must not be negative")
	bp := c.BasePriority
	check(bp.High >= bp.Normal && bp.Normal >= bp.Low && bp.Low >= 0,
		"basePriority must satisfy high >= normal >= low >= 0")
	// A fully aged low workload must score within agingWeight of a fresh normal one
	check(bp.Normal-bp.Low <= 2*c.AgingWeight,
		"basePriority normal-low (%g) must not exceed twice agingWeight (%g)", bp.Normal-bp.Low, c.AgingWeight)

	w := c.LoadBalancerWeights
	check(w.Load >= 0 && w.History >= 0 && w.Match >= 0, "loadBalancerWeights must not be negative")
	check(w.Load+w.History+w.Match > 0, "loadBalancerWeights must not all be zero")
	check(c.HistoryWindow > 0, "historyWindow must be positive")
	check(c.MetricsHistoryMaxLength > 0, "metricsHistoryMaxLength must be positive")

	check(c.Strategy != "", "strategy must be set")
	check(c.LoadThreshold >= 0, "loadThreshold must not be negative")
	check(c.BufferRatio >= 0, "bufferRatio must not be negative")

	check(c.ScheduleInterval > 0, "scheduleInterval must be positive")
	check(c.MonitorInterval > 0, "monitorInterval must be positive")
	check(c.SampleTimeout > 0, "sampleTimeout must be positive")
	check(c.WarningDeadline > 0, "warningDeadline must be positive")
	check(c.AlertInterval >= 0, "alertInterval must not be negative")
	check(c.Probe.Retries > 0, "probe.retries must be positive")

	check(!c.Metrics.Enabled || c.Metrics.Addr != "", "metrics.addr is required when metrics are enabled")
	check(!c.API.Enabled || c.API.Addr != "", "api.addr is required when the api is enabled")

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageBolt, StorageRaft:
		check(c.Storage.DataDir != "", "storage.dataDir is required for driver %q", c.Storage.Driver)
	default:
		check(false, "unknown storage driver %q", c.Storage.Driver)
	}

	return errors.Join(errs...)
}

// RecoveryConfig is the subset of settings exported to recovery snapshots
func (c *Config) RecoveryConfig() map[string]string {
	return map[string]string{
		"maxRetries":      fmt.Sprint(c.MaxRetries),
		"retryBaseDelay":  c.RetryBaseDelay.String(),
		"recoveryTimeout": c.RecoveryTimeout.String(),
		"strategy":        c.Strategy,
	}
}
