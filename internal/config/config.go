// Package config loads engine configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acth/cross-asset-engine/internal/market"
)

// Duration wraps time.Duration for YAML parsing of strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// VenueConfig configures one venue connection.
type VenueConfig struct {
	Name      string            `yaml:"name"`
	APIKey    string            `yaml:"api_key"`
	APISecret string            `yaml:"api_secret"`
	// SymbolMap maps canonical symbols to this venue's instrument names.
	SymbolMap map[string]string `yaml:"symbol_map"`
}

// RiskConfig mirrors market.RiskLimits in the config file.
type RiskConfig struct {
	MaxPositionSize float64 `yaml:"max_position_size"`
	RiskPerTrade    float64 `yaml:"risk_per_trade"`
	MaxCorrelation  float64 `yaml:"max_correlation_threshold"`
	MinVolume       float64 `yaml:"min_volume_threshold"`
	MinOrderSize    float64 `yaml:"min_order_size"`
}

// CorrelationConfig configures the correlation engine.
type CorrelationConfig struct {
	Window     int      `yaml:"window"`
	MinSamples int      `yaml:"min_samples"`
	Cadence    Duration `yaml:"cadence"`
}

// StrategyConfig configures the strategy adapter.
type StrategyConfig struct {
	LearningRate        float64 `yaml:"learning_rate"`
	ActivationThreshold float64 `yaml:"activation_threshold"`
	RewardDecay         float64 `yaml:"reward_decay"`
	WeightClamp         float64 `yaml:"weight_clamp"`
}

// BackoffConfig configures a retry policy.
type BackoffConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      float64  `yaml:"jitter"`
}

// StoreConfig configures the durable state store.
type StoreConfig struct {
	PostgresDSN    string `yaml:"postgres_dsn"`
	OfflinePath    string `yaml:"offline_path"`
	OfflineAllowed bool   `yaml:"offline_allowed"`
	MaxAttempts    int    `yaml:"max_attempts"`
}

// Config is the immutable process configuration.
type Config struct {
	Service           string            `yaml:"service"`
	LogLevel          string            `yaml:"log_level"`
	HTTPPort          int               `yaml:"http_port"`
	GRPCPort          int               `yaml:"grpc_port"`
	DataDir           string            `yaml:"data_dir"`
	Equity            float64           `yaml:"equity"`
	Symbols           []string          `yaml:"symbols"`
	UpdateInterval    Duration          `yaml:"data_update_interval"`
	Freshness         Duration          `yaml:"freshness_threshold"`
	HeartbeatInterval Duration          `yaml:"heartbeat_interval"`
	ProbeTimeout      Duration          `yaml:"probe_timeout"`
	QueueCapacity     int               `yaml:"queue_capacity"`
	KafkaBrokers      string            `yaml:"kafka_brokers"`
	Risk              RiskConfig        `yaml:"risk"`
	Correlation       CorrelationConfig `yaml:"correlation"`
	Strategy          StrategyConfig    `yaml:"strategy"`
	Backoff           BackoffConfig     `yaml:"backoff"`
	Store             StoreConfig       `yaml:"store"`
	Venues            []VenueConfig     `yaml:"venues"`
}

// Load reads the YAML file (optional: an empty path uses defaults) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service:           "correlation-engine",
		LogLevel:          "info",
		HTTPPort:          8080,
		GRPCPort:          50051,
		DataDir:           "./data",
		Equity:            100000,
		Symbols:           []string{"BTC", "ETH"},
		UpdateInterval:    Duration(5 * time.Second),
		Freshness:         Duration(30 * time.Second),
		HeartbeatInterval: Duration(15 * time.Second),
		ProbeTimeout:      Duration(5 * time.Second),
		QueueCapacity:     1024,
		Risk: RiskConfig{
			MaxPositionSize: 10000,
			RiskPerTrade:    0.02,
			MaxCorrelation:  0.85,
			MinVolume:       1000000,
			MinOrderSize:    10,
		},
		Correlation: CorrelationConfig{
			Window:     120,
			MinSamples: 30,
			Cadence:    Duration(5 * time.Second),
		},
		Strategy: StrategyConfig{
			LearningRate:        0.1,
			ActivationThreshold: 0.2,
			RewardDecay:         0.95,
			WeightClamp:         1.0,
		},
		Backoff: BackoffConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(100 * time.Millisecond),
			MaxDelay:    Duration(5 * time.Second),
			Jitter:      0.2,
		},
		Store: StoreConfig{
			OfflinePath:    "./data/offline.db",
			OfflineAllowed: true,
			MaxAttempts:    3,
		},
	}
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnvAsString("LOG_LEVEL", c.LogLevel)
	c.HTTPPort = getEnvAsInt("PORT_HTTP", c.HTTPPort)
	c.GRPCPort = getEnvAsInt("PORT_GRPC", c.GRPCPort)
	c.DataDir = getEnvAsString("DATA_DIR", c.DataDir)
	c.KafkaBrokers = getEnvAsString("KAFKA_BROKERS", c.KafkaBrokers)
	c.Store.PostgresDSN = getEnvAsString("POSTGRES_DSN", c.Store.PostgresDSN)
	for i := range c.Venues {
		prefix := strings.ToUpper(c.Venues[i].Name)
		c.Venues[i].APIKey = getEnvAsString(prefix+"_API_KEY", c.Venues[i].APIKey)
		c.Venues[i].APISecret = getEnvAsString(prefix+"_API_SECRET", c.Venues[i].APISecret)
	}
}

// Validate rejects inconsistent configurations at startup.
func (c *Config) Validate() error {
	if len(c.Symbols) < 2 {
		return fmt.Errorf("need at least two symbols to form a pair, got %d", len(c.Symbols))
	}
	if c.UpdateInterval.Std() <= 0 {
		return fmt.Errorf("data update interval must be positive")
	}
	if c.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Equity <= 0 {
		return fmt.Errorf("equity must be positive, got %v", c.Equity)
	}
	if err := c.RiskLimits().Validate(); err != nil {
		return err
	}
	return nil
}

// RiskLimits converts the risk section to the domain type.
func (c *Config) RiskLimits() market.RiskLimits {
	return market.RiskLimits{
		MaxPositionSize: c.Risk.MaxPositionSize,
		RiskPerTrade:    c.Risk.RiskPerTrade,
		MaxCorrelation:  c.Risk.MaxCorrelation,
		MinVolume:       c.Risk.MinVolume,
		MinOrderSize:    c.Risk.MinOrderSize,
	}
}

// Brokers returns the Kafka broker list, empty when journalling is
// disabled.
func (c *Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// HTTPAddr returns the HTTP health server address.
func (c *Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

// GRPCAddr returns the gRPC server address.
func (c *Config) GRPCAddr() string { return fmt.Sprintf(":%d", c.GRPCPort) }

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
