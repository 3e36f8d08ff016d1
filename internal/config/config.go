package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable, e.g. ATTRIBUTION_SERVER_ADDR.
const EnvPrefix = "ATTRIBUTION"

// Config holds all configuration for the attribution engine.
type Config struct {
	Server      ServerConfig      `envconfig:"SERVER"`
	RateLimit   RateLimitConfig   `envconfig:"RATE_LIMIT"`
	Log         LogConfig         `envconfig:"LOG"`
	Database    DatabaseConfig    `envconfig:"DB"`
	Redis       RedisConfig       `envconfig:"REDIS"`
	ClickHouse  ClickHouseConfig  `envconfig:"CLICKHOUSE"`
	Kafka       KafkaConfig       `envconfig:"KAFKA"`
	Bus         BusConfig         `envconfig:"BUS"`
	Ingest      IngestConfig      `envconfig:"INGEST"`
	Attribution AttributionConfig `envconfig:"ATTRIBUTION"`
	Aggregator  AggregatorConfig  `envconfig:"AGGREGATOR"`
	Cache       CacheConfig       `envconfig:"CACHE"`
	Report      ReportConfig      `envconfig:"REPORT"`
	Pipeline    PipelineConfig    `envconfig:"PIPELINE"`
	Metrics     MetricsConfig     `envconfig:"METRICS"`
	Geo         GeoConfig         `envconfig:"GEO"`
}

type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	Env             string        `envconfig:"ENV" default:"development"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// RateLimitConfig limits write requests per client IP.
type RateLimitConfig struct {
	Enabled bool    `envconfig:"ENABLED" default:"true"`
	RPS     float64 `envconfig:"RPS" default:"200"`
	Burst   int     `envconfig:"BURST" default:"400"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

// DatabaseConfig configures the PostgreSQL event log. An empty host selects the
// in-memory stores.
type DatabaseConfig struct {
	Host     string `envconfig:"HOST"`
	Port     int    `envconfig:"PORT" default:"5432"`
	User     string `envconfig:"USER" default:"attribution"`
	Password string `envconfig:"PASSWORD"`
	DBName   string `envconfig:"NAME" default:"attribution"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`
	MaxConns int    `envconfig:"MAX_CONNS" default:"25"`
	MinConns int    `envconfig:"MIN_CONNS" default:"5"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Enabled reports whether PostgreSQL is configured.
func (d DatabaseConfig) Enabled() bool { return d.Host != "" }

type RedisConfig struct {
	Addr     string `envconfig:"ADDR"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type ClickHouseConfig struct {
	Host            string        `envconfig:"HOST"`
	Port            int           `envconfig:"PORT" default:"9000"`
	Database        string        `envconfig:"DATABASE" default:"attribution"`
	User            string        `envconfig:"USER" default:"default"`
	Password        string        `envconfig:"PASSWORD"`
	UseTLS          bool          `envconfig:"USE_TLS" default:"false"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"1h"`
}

func (c ClickHouseConfig) Enabled() bool { return c.Host != "" }

type KafkaConfig struct {
	Brokers []string `envconfig:"BROKERS"`
	GroupID string   `envconfig:"GROUP_ID" default:"attribution-cache"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// BusConfig selects the invalidation transport: local, redis or kafka.
type BusConfig struct {
	Transport  string `envconfig:"TRANSPORT" default:"local"`
	Topic      string `envconfig:"TOPIC" default:"attribution.invalidations"`
	BufferSize int    `envconfig:"BUFFER_SIZE" default:"1024"`
}

type IngestConfig struct {
	ClockSkew   time.Duration `envconfig:"CLOCK_SKEW" default:"5m"`
	DedupBucket time.Duration `envconfig:"DEDUP_BUCKET" default:"1m"`

	// BackpressureRPS is the per-campaign admission rate while a partition lags.
	BackpressureRPS   float64 `envconfig:"BACKPRESSURE_RPS" default:"50"`
	BackpressureBurst int     `envconfig:"BACKPRESSURE_BURST" default:"10"`
}

type AttributionConfig struct {
	DefaultModel       string        `envconfig:"DEFAULT_MODEL" default:"last_touch"`
	DefaultWindow      time.Duration `envconfig:"DEFAULT_WINDOW" default:"720h"`
	DefaultHalfLife    time.Duration `envconfig:"DEFAULT_HALF_LIFE" default:"168h"`
	PositionFirst      float64       `envconfig:"POSITION_FIRST" default:"0.4"`
	PositionLast       float64       `envconfig:"POSITION_LAST" default:"0.4"`
	TouchpointLookback int           `envconfig:"TOUCHPOINT_LOOKBACK" default:"1000"`
}

type AggregatorConfig struct {
	Granularities        []string      `envconfig:"GRANULARITIES" default:"day,week"`
	ReconciliationPeriod time.Duration `envconfig:"RECONCILIATION_PERIOD" default:"720h"`
	TTFVHorizon          time.Duration `envconfig:"TTFV_HORIZON" default:"720h"`
	IdleTimeout          time.Duration `envconfig:"IDLE_TIMEOUT" default:"336h"`
	MaxLag               int64         `envconfig:"MAX_LAG" default:"10000"`
	RetainVersions       int           `envconfig:"RETAIN_VERSIONS" default:"4096"`
}

type CacheConfig struct {
	MaxStaleness     time.Duration `envconfig:"MAX_STALENESS" default:"5m"`
	TTL              time.Duration `envconfig:"TTL" default:"5m"`
	RecomputeTimeout time.Duration `envconfig:"RECOMPUTE_TIMEOUT" default:"250ms"`
	LocalMaxEntries  int           `envconfig:"LOCAL_MAX_ENTRIES" default:"10000"`
}

type ReportConfig struct {
	ArtifactDir string `envconfig:"ARTIFACT_DIR" default:"./artifacts"`
	Workers     int    `envconfig:"WORKERS" default:"4"`
}

type PipelineConfig struct {
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"500"`
	CheckpointEvery int           `envconfig:"CHECKPOINT_EVERY" default:"1000"`
	PersistInterval time.Duration `envconfig:"PERSIST_INTERVAL" default:"1m"`
	RestartBackoff  time.Duration `envconfig:"RESTART_BACKOFF" default:"1s"`
	CampaignRefresh time.Duration `envconfig:"CAMPAIGN_REFRESH" default:"30s"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"ENABLED" default:"true"`
	Path      string `envconfig:"PATH" default:"/metrics"`
	Namespace string `envconfig:"NAMESPACE" default:"attribution"`
}

// GeoConfig configures GeoIP enrichment at ingestion.
type GeoConfig struct {
	Enabled      bool   `envconfig:"ENABLED" default:"false"`
	DatabasePath string `envconfig:"DB_PATH" default:"/app/data/GeoLite2-Country.mmdb"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Bus.Transport {
	case "local", "redis", "kafka":
	default:
		return fmt.Errorf("unknown bus transport %q", c.Bus.Transport)
	}
	if c.Bus.Transport == "redis" && !c.Redis.Enabled() {
		return fmt.Errorf("bus transport redis requires %s_REDIS_ADDR", EnvPrefix)
	}
	if c.Bus.Transport == "kafka" && !c.Kafka.Enabled() {
		return fmt.Errorf("bus transport kafka requires %s_KAFKA_BROKERS", EnvPrefix)
	}
	if len(c.Aggregator.Granularities) == 0 {
		return fmt.Errorf("at least one aggregator granularity is required")
	}
	if c.Attribution.PositionFirst+c.Attribution.PositionLast > 1 {
		return fmt.Errorf("position-based first+last weights must not exceed 1")
	}
	if c.Cache.MaxStaleness <= 0 {
		return fmt.Errorf("cache max staleness must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
