package config

import (
	"fmt"
	"strings"
	"time"

	"whale-flow-analyzer/internal/domain/entity"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	CoinJoin   CoinJoinConfig   `mapstructure:"coinjoin"`
	Change     ChangeConfig     `mapstructure:"change"`
	Flow       FlowConfig       `mapstructure:"flow"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Fusion     FusionConfig     `mapstructure:"fusion"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Neo4J      Neo4JConfig      `mapstructure:"neo4j"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig represents application-specific configuration
type AppConfig struct {
	Env            string        `mapstructure:"env"`
	LogLevel       string        `mapstructure:"log_level"`
	HTTPPort       int           `mapstructure:"http_port"`
	Block          string        `mapstructure:"block"`
	Follow         bool          `mapstructure:"follow"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	DetectWorkers  int           `mapstructure:"detect_workers"`
	ReportWhaleTop int           `mapstructure:"report_whale_top"`
}

// RegistryConfig points at the exchange address list
type RegistryConfig struct {
	Path              string  `mapstructure:"path"`
	MaxMalformedRatio float64 `mapstructure:"max_malformed_ratio"`
}

// IngestionConfig configures the tiered transaction fetcher
type IngestionConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BlockDeadline  time.Duration `mapstructure:"block_deadline"`
	MempoolLimit   int           `mapstructure:"mempool_limit"`
	Primary        SourceConfig  `mapstructure:"primary"`
	Secondary      SourceConfig  `mapstructure:"secondary"`
	RPC            RPCConfig     `mapstructure:"rpc"`
}

// SourceConfig configures an Esplora-compatible HTTP source
type SourceConfig struct {
	Name              string  `mapstructure:"name"`
	URL               string  `mapstructure:"url"`
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RPCConfig configures the bitcoind JSON-RPC last-resort tier
type RPCConfig struct {
	URL               string  `mapstructure:"url"`
	Username          string  `mapstructure:"username"`
	Password          string  `mapstructure:"password"`
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// CoinJoinConfig holds the CoinJoin heuristic thresholds
type CoinJoinConfig struct {
	EqualTolerance         int64         `mapstructure:"equal_tolerance_sats"`
	MinEqualOutputs        int           `mapstructure:"min_equal_outputs"`
	MinInputs              int           `mapstructure:"min_inputs"`
	Denominations          []float64     `mapstructure:"denominations"`
	MinDenominationOutputs int           `mapstructure:"min_denomination_outputs"`
	CoordinatorMinOutputs  int           `mapstructure:"coordinator_min_outputs"`
	CoordinatorMinEqual    int           `mapstructure:"coordinator_min_equal"`
	CacheTTL               time.Duration `mapstructure:"cache_ttl"`
}

// ChangeConfig holds the change detector thresholds
type ChangeConfig struct {
	MinRoundnessGap     int     `mapstructure:"min_roundness_gap"`
	SmallValueFraction  float64 `mapstructure:"small_value_fraction"`
	SmallValueMaxOutput int     `mapstructure:"small_value_max_outputs"`
}

// FlowConfig holds flow classification settings
type FlowConfig struct {
	CoinJoinThreshold float64 `mapstructure:"coinjoin_threshold"`
	WhaleThresholdBTC float64 `mapstructure:"whale_threshold_btc"`
}

// AggregatorConfig holds window settings
type AggregatorConfig struct {
	Widths            []time.Duration `mapstructure:"widths"`
	NoiseThresholdBTC float64         `mapstructure:"noise_threshold_btc"`
	HistoryWindows    int             `mapstructure:"history_windows"`
}

// FusionConfig holds the decision fusion weights and thresholds
type FusionConfig struct {
	Weights       entity.FusionWeights `mapstructure:"weights"`
	BuyThreshold  float64              `mapstructure:"buy_threshold"`
	SellThreshold float64              `mapstructure:"sell_threshold"`
	MaxVoteAge    time.Duration        `mapstructure:"max_vote_age"`
	ExternalVote  float64              `mapstructure:"external_vote"` // used when no NATS vote is available
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `mapstructure:"url"`
	SubjectPrefix     string        `mapstructure:"subject_prefix"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	Enabled           bool          `mapstructure:"enabled"`
}

// Neo4JConfig represents Neo4J configuration
type Neo4JConfig struct {
	URI                          string        `mapstructure:"uri"`
	Username                     string        `mapstructure:"username"`
	Password                     string        `mapstructure:"password"`
	Database                     string        `mapstructure:"database"`
	MaxConnectionPoolSize        int           `mapstructure:"max_connection_pool_size"`
	ConnectionAcquisitionTimeout time.Duration `mapstructure:"connection_acquisition_timeout"`
	BatchSize                    int           `mapstructure:"batch_size"`
	Enabled                      bool          `mapstructure:"enabled"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Enabled   bool   `mapstructure:"enabled"`
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Flags declares the command-line flags bound into the configuration
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("whaleflow", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("block", "", "block height, block hash or \"mempool\" to analyze")
	fs.Bool("follow", false, "keep following the chain tip")
	fs.String("registry", "", "path to the exchange address list")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Float64("external-vote", 0, "static external confidence vote in [-1,1]")
	return fs
}

// Load loads configuration from flags, environment variables and files
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/whale-flow-analyzer")

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("WHALEFLOW")

	// Map environment variables to nested config keys
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Default values
	setDefaults(v)

	if fs != nil {
		bindFlags(v, fs)
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
	}

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Ingestion.Workers <= 0 {
		return fmt.Errorf("ingestion.workers must be positive, got %d", c.Ingestion.Workers)
	}
	if c.Ingestion.MaxAttempts <= 0 {
		return fmt.Errorf("ingestion.max_attempts must be positive, got %d", c.Ingestion.MaxAttempts)
	}
	if len(c.Aggregator.Widths) == 0 {
		return fmt.Errorf("aggregator.widths must not be empty")
	}
	for _, w := range c.Aggregator.Widths {
		if w <= 0 {
			return fmt.Errorf("aggregator.widths contains non-positive width %s", w)
		}
	}
	if c.Flow.CoinJoinThreshold < 0 || c.Flow.CoinJoinThreshold > 1 {
		return fmt.Errorf("flow.coinjoin_threshold must be in [0,1], got %f", c.Flow.CoinJoinThreshold)
	}
	if c.Fusion.ExternalVote < -1 || c.Fusion.ExternalVote > 1 {
		return fmt.Errorf("fusion.external_vote must be in [-1,1], got %f", c.Fusion.ExternalVote)
	}
	if c.Fusion.SellThreshold > c.Fusion.BuyThreshold {
		return fmt.Errorf("fusion.sell_threshold %f above buy_threshold %f", c.Fusion.SellThreshold, c.Fusion.BuyThreshold)
	}
	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	v.BindPFlag("app.block", fs.Lookup("block"))
	v.BindPFlag("app.follow", fs.Lookup("follow"))
	v.BindPFlag("registry.path", fs.Lookup("registry"))
	v.BindPFlag("app.log_level", fs.Lookup("log-level"))
	v.BindPFlag("fusion.external_vote", fs.Lookup("external-vote"))
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.http_port", 8080)
	v.SetDefault("app.poll_interval", "30s")
	v.SetDefault("app.tick_interval", "15s")
	v.SetDefault("app.detect_workers", 8)
	v.SetDefault("app.report_whale_top", 20)

	// Registry defaults
	v.SetDefault("registry.path", "./exchanges.csv")
	v.SetDefault("registry.max_malformed_ratio", 0.5)

	// Ingestion defaults
	v.SetDefault("ingestion.workers", 16)
	v.SetDefault("ingestion.max_attempts", 3)
	v.SetDefault("ingestion.base_backoff", "1s")
	v.SetDefault("ingestion.max_backoff", "8s")
	v.SetDefault("ingestion.jitter_fraction", 0.2)
	v.SetDefault("ingestion.request_timeout", "10s")
	v.SetDefault("ingestion.block_deadline", "5m")
	v.SetDefault("ingestion.mempool_limit", 5000)
	v.SetDefault("ingestion.primary.name", "mempool.space")
	v.SetDefault("ingestion.primary.url", "https://mempool.space/api")
	v.SetDefault("ingestion.primary.enabled", true)
	v.SetDefault("ingestion.primary.requests_per_second", 10)
	v.SetDefault("ingestion.primary.burst", 10)
	v.SetDefault("ingestion.secondary.name", "blockstream.info")
	v.SetDefault("ingestion.secondary.url", "https://blockstream.info/api")
	v.SetDefault("ingestion.secondary.enabled", true)
	v.SetDefault("ingestion.secondary.requests_per_second", 5)
	v.SetDefault("ingestion.secondary.burst", 5)
	v.SetDefault("ingestion.rpc.url", "http://localhost:8332")
	v.SetDefault("ingestion.rpc.enabled", false)
	v.SetDefault("ingestion.rpc.requests_per_second", 50)
	v.SetDefault("ingestion.rpc.burst", 50)

	// CoinJoin defaults
	v.SetDefault("coinjoin.equal_tolerance_sats", 0)
	v.SetDefault("coinjoin.min_equal_outputs", 4)
	v.SetDefault("coinjoin.min_inputs", 6)
	v.SetDefault("coinjoin.denominations", []float64{0.001, 0.01, 0.05, 0.5})
	v.SetDefault("coinjoin.min_denomination_outputs", 5)
	v.SetDefault("coinjoin.coordinator_min_outputs", 100)
	v.SetDefault("coinjoin.coordinator_min_equal", 10)
	v.SetDefault("coinjoin.cache_ttl", "168h")

	// Change defaults
	v.SetDefault("change.min_roundness_gap", 3)
	v.SetDefault("change.small_value_fraction", 0.1)
	v.SetDefault("change.small_value_max_outputs", 2)

	// Flow defaults
	v.SetDefault("flow.coinjoin_threshold", 0.7)
	v.SetDefault("flow.whale_threshold_btc", 100.0)

	// Aggregator defaults
	v.SetDefault("aggregator.widths", []string{"1m", "5m", "60m"})
	v.SetDefault("aggregator.noise_threshold_btc", 1.0)
	v.SetDefault("aggregator.history_windows", 24)

	// Fusion defaults
	v.SetDefault("fusion.weights.whale_flow", 0.7)
	v.SetDefault("fusion.weights.external", 0.3)
	v.SetDefault("fusion.buy_threshold", 0.6)
	v.SetDefault("fusion.sell_threshold", -0.6)
	v.SetDefault("fusion.max_vote_age", "30m")
	v.SetDefault("fusion.external_vote", 0.0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "whaleflow")
	v.SetDefault("nats.connect_timeout", "10s")
	v.SetDefault("nats.reconnect_attempts", 5)
	v.SetDefault("nats.reconnect_delay", "2s")
	v.SetDefault("nats.enabled", false)

	// Neo4J defaults
	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_connection_pool_size", 50)
	v.SetDefault("neo4j.connection_acquisition_timeout", "60s")
	v.SetDefault("neo4j.batch_size", 1000)
	v.SetDefault("neo4j.enabled", false)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "whaleflow:coinjoin:")
	v.SetDefault("redis.enabled", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)

	// Bind env for NATS URL
	v.BindEnv("nats.url", "NATS_URL")
}
