package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Internet    InternetConfig    `mapstructure:"internet"`
	Shapley     ShapleyConfig     `mapstructure:"shapley"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Server      ServerConfig      `mapstructure:"server"`
	EventBus    EventBusConfig    `mapstructure:"eventbus"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// LedgerConfig holds ledger RPC access configuration
type LedgerConfig struct {
	RPCEndpoint    string        `mapstructure:"rpc_endpoint"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	RequestBurst   int           `mapstructure:"request_burst"`
	MinCoverage    float64       `mapstructure:"min_coverage"`
}

// AggregationConfig holds the private-link aggregation policy
type AggregationConfig struct {
	LossThreshold      float64       `mapstructure:"loss_threshold"`
	PercentileBins     []float64     `mapstructure:"percentile_bins"`
	PenaltyRTTUs       float64       `mapstructure:"penalty_rtt_us"`
	PenaltyJitterUs    float64       `mapstructure:"penalty_jitter_us"`
	DedupWindowUs      uint64        `mapstructure:"dedup_window_us"`
	MinSamplesPerLink  int           `mapstructure:"min_samples_per_link"`
	MinCoverage        float64       `mapstructure:"min_coverage"`
	MaxEpochsLookback  uint64        `mapstructure:"max_epochs_lookback"`
	EnableLookback     bool          `mapstructure:"enable_lookback"`
	DefaultLatencyMs   float64       `mapstructure:"default_latency_ms"`
	OperationalTimeout time.Duration `mapstructure:"operational_timeout"`
}

// InternetConfig holds the public-path aggregation policy. Public paths
// carry baseline loss, so dead-link penalties never apply here and the
// thresholds are configured separately from private links.
type InternetConfig struct {
	LossThreshold     float64   `mapstructure:"loss_threshold"`
	PercentileBins    []float64 `mapstructure:"percentile_bins"`
	DedupWindowUs     uint64    `mapstructure:"dedup_window_us"`
	MinSamplesPerLink int       `mapstructure:"min_samples_per_link"`
	MinCoverage       float64   `mapstructure:"min_coverage"`
	MaxEpochsLookback uint64    `mapstructure:"max_epochs_lookback"`
	EnableLookback    bool      `mapstructure:"enable_lookback"`
	DefaultLatencyMs  float64   `mapstructure:"default_latency_ms"`
}

// ShapleyConfig holds allocation-engine input construction settings
type ShapleyConfig struct {
	OperatorUptime       float64 `mapstructure:"operator_uptime"`
	ContiguityBonus      float64 `mapstructure:"contiguity_bonus"`
	ContiguityMinDegree  int     `mapstructure:"contiguity_min_degree"`
	DemandMultiplier     float64 `mapstructure:"demand_multiplier"`
	DefaultBandwidthGbps float64 `mapstructure:"default_bandwidth_gbps"`
	DefaultTraffic       float64 `mapstructure:"default_traffic"`
	MinTraffic           float64 `mapstructure:"min_traffic"`
	RelationWeight       float64 `mapstructure:"relation_weight"`
}

// SchedulerConfig holds the background worker settings
type SchedulerConfig struct {
	IntervalSeconds        uint64        `mapstructure:"interval_seconds"`
	StateFile              string        `mapstructure:"state_file"`
	MaxConsecutiveFailures uint32        `mapstructure:"max_consecutive_failures"`
	EnableDryRun           bool          `mapstructure:"enable_dry_run"`
	RunTimeout             time.Duration `mapstructure:"run_timeout"`
}

// CacheConfig holds snapshot cache settings
type CacheConfig struct {
	Dir     string `mapstructure:"dir"`
	Enabled bool   `mapstructure:"enabled"`
}

// ServerConfig holds the operator API settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EventBusConfig holds NATS configuration
type EventBusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"client_id"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/ncr")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("NCR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for configuration values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Ledger.RPCEndpoint == "" {
		return fmt.Errorf("ledger.rpc_endpoint must be set")
	}
	if c.Aggregation.LossThreshold <= 0 || c.Aggregation.LossThreshold > 1 {
		return fmt.Errorf("aggregation.loss_threshold must be in (0,1], got %v", c.Aggregation.LossThreshold)
	}
	if c.Internet.LossThreshold <= 0 || c.Internet.LossThreshold > 1 {
		return fmt.Errorf("internet.loss_threshold must be in (0,1], got %v", c.Internet.LossThreshold)
	}
	for _, q := range c.Aggregation.PercentileBins {
		if q <= 0 || q > 1 {
			return fmt.Errorf("aggregation.percentile_bins entry %v out of range (0,1]", q)
		}
	}
	if c.Shapley.OperatorUptime <= 0 || c.Shapley.OperatorUptime > 1 {
		return fmt.Errorf("shapley.operator_uptime must be in (0,1], got %v", c.Shapley.OperatorUptime)
	}
	if c.Scheduler.IntervalSeconds == 0 {
		return fmt.Errorf("scheduler.interval_seconds must be positive")
	}
	if c.Scheduler.MaxConsecutiveFailures == 0 {
		return fmt.Errorf("scheduler.max_consecutive_failures must be positive")
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Ledger defaults
	v.SetDefault("ledger.rpc_endpoint", "http://localhost:8899")
	v.SetDefault("ledger.request_timeout", "30s")
	v.SetDefault("ledger.requests_per_sec", 10.0)
	v.SetDefault("ledger.request_burst", 20)
	v.SetDefault("ledger.min_coverage", 0.5)

	// Private-link aggregation defaults
	v.SetDefault("aggregation.loss_threshold", 1.0)
	v.SetDefault("aggregation.percentile_bins", []float64{0.50, 0.75, 0.90, 0.95, 0.99})
	v.SetDefault("aggregation.penalty_rtt_us", 1_000_000.0)
	v.SetDefault("aggregation.penalty_jitter_us", 100_000.0)
	v.SetDefault("aggregation.dedup_window_us", 10_000_000)
	v.SetDefault("aggregation.min_samples_per_link", 20)
	v.SetDefault("aggregation.min_coverage", 0.8)
	v.SetDefault("aggregation.max_epochs_lookback", 5)
	v.SetDefault("aggregation.enable_lookback", true)
	v.SetDefault("aggregation.default_latency_ms", 100.0)
	v.SetDefault("aggregation.operational_timeout", "120s")

	// Internet baseline defaults
	v.SetDefault("internet.loss_threshold", 1.0)
	v.SetDefault("internet.percentile_bins", []float64{0.50, 0.90, 0.95, 0.99})
	v.SetDefault("internet.dedup_window_us", 10_000_000)
	v.SetDefault("internet.min_samples_per_link", 20)
	v.SetDefault("internet.min_coverage", 0.8)
	v.SetDefault("internet.max_epochs_lookback", 5)
	v.SetDefault("internet.enable_lookback", true)
	v.SetDefault("internet.default_latency_ms", 80.0)

	// Allocation input defaults
	v.SetDefault("shapley.operator_uptime", 0.98)
	v.SetDefault("shapley.contiguity_bonus", 5.0)
	v.SetDefault("shapley.contiguity_min_degree", 2)
	v.SetDefault("shapley.demand_multiplier", 1.2)
	v.SetDefault("shapley.default_bandwidth_gbps", 10.0)
	v.SetDefault("shapley.default_traffic", 0.05)
	v.SetDefault("shapley.min_traffic", 0.1)
	v.SetDefault("shapley.relation_weight", 0.5)

	// Scheduler defaults
	v.SetDefault("scheduler.interval_seconds", 300)
	v.SetDefault("scheduler.state_file", "ncr-scheduler.state")
	v.SetDefault("scheduler.max_consecutive_failures", 10)
	v.SetDefault("scheduler.enable_dry_run", false)
	v.SetDefault("scheduler.run_timeout", "10m")

	// Cache defaults
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.enabled", true)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Event bus defaults
	v.SetDefault("eventbus.enabled", false)
	v.SetDefault("eventbus.url", "nats://localhost:4222")
	v.SetDefault("eventbus.client_id", "ncr-worker")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9091)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "network-contribution-rewards")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}
