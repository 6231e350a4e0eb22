package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "30s"-style strings from JSON and
// YAML, and plain numbers as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DynamoDBConfig holds DynamoDB table settings. Static keys are optional;
// the default AWS credential chain is used when they are empty.
type DynamoDBConfig struct {
	Table           string `json:"table" yaml:"table"`
	Namespace       string `json:"namespace" yaml:"namespace"`
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table" yaml:"table"`
}

// DurableConfig selects and configures the durable key/value backend.
type DurableConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Driver   string         `json:"driver" yaml:"driver"` // redis, dynamodb, postgres, memory
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	DynamoDB DynamoDBConfig `json:"dynamodb" yaml:"dynamodb"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// FileConfig configures the local file backend.
type FileConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Dir         string `json:"dir" yaml:"dir"`
	StateFile   string `json:"state_file" yaml:"state_file"`
	BackupEvery int    `json:"backup_every" yaml:"backup_every"`
	BackupKeep  int    `json:"backup_keep" yaml:"backup_keep"`
}

// StorageConfig holds state persistence settings
type StorageConfig struct {
	Primary         string        `json:"primary" yaml:"primary"` // durable or file
	FallbackEnabled bool          `json:"fallback_enabled" yaml:"fallback_enabled"`
	Durable         DurableConfig `json:"durable" yaml:"durable"`
	File            FileConfig    `json:"file" yaml:"file"`
}

// BotConfig holds mention-processing settings
type BotConfig struct {
	Username       string   `json:"username" yaml:"username"`
	UserID         string   `json:"user_id" yaml:"user_id"`
	MaxTweetAge    Duration `json:"max_tweet_age" yaml:"max_tweet_age"`
	Lookback       Duration `json:"lookback" yaml:"lookback"`
	RetentionDays  int      `json:"retention_days" yaml:"retention_days"`
	PostRetries    int      `json:"post_retries" yaml:"post_retries"`
	PostRetryDelay Duration `json:"post_retry_delay" yaml:"post_retry_delay"`
	IgnoredErrors  []string `json:"ignored_errors" yaml:"ignored_errors"`
	RunLock        bool     `json:"run_lock" yaml:"run_lock"`
	RunLockTTL     Duration `json:"run_lock_ttl" yaml:"run_lock_ttl"`
	MaxReplyLength int      `json:"max_reply_length" yaml:"max_reply_length"`
	// ReplyBudget caps replies per ReplyBudgetWindow; 0 disables the cap.
	ReplyBudget       int      `json:"reply_budget" yaml:"reply_budget"`
	ReplyBudgetWindow Duration `json:"reply_budget_window" yaml:"reply_budget_window"`
}

// TwitterConfig holds social platform API settings
type TwitterConfig struct {
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	BearerToken string   `json:"bearer_token" yaml:"bearer_token"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	MaxResults  int      `json:"max_results" yaml:"max_results"`
}

// MarketConfig holds marketplace API settings
type MarketConfig struct {
	BaseURL  string   `json:"base_url" yaml:"base_url"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
	CacheTTL Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// BreakerFailurePct trips the circuit breaker; 0 disables it.
	BreakerFailurePct   float64  `json:"breaker_failure_pct" yaml:"breaker_failure_pct"`
	BreakerOpenDuration Duration `json:"breaker_open_duration" yaml:"breaker_open_duration"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	Schedule  string `json:"schedule" yaml:"schedule"`
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http or none
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// ObservabilityConfig groups tracing and metrics settings
type ObservabilityConfig struct {
	Tracing          TracingConfig `json:"tracing" yaml:"tracing"`
	MetricsNamespace string        `json:"metrics_namespace" yaml:"metrics_namespace"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Bot           BotConfig           `json:"bot" yaml:"bot"`
	Twitter       TwitterConfig       `json:"twitter" yaml:"twitter"`
	Market        MarketConfig        `json:"market" yaml:"market"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Primary:         "durable",
			FallbackEnabled: true,
			Durable: DurableConfig{
				Enabled: false,
				Driver:  "redis",
				Redis: RedisConfig{
					Addr:      "localhost:6379",
					KeyPrefix: "heroquote:state:",
				},
				DynamoDB: DynamoDBConfig{
					Table:     "heroquote-state",
					Namespace: "heroquote",
				},
				Postgres: PostgresConfig{
					Table: "heroquote_state",
				},
			},
			File: FileConfig{
				Enabled:     true,
				Dir:         "data",
				StateFile:   "state.json",
				BackupEvery: 10,
				BackupKeep:  10,
			},
		},
		Bot: BotConfig{
			MaxTweetAge:       Duration(60 * time.Minute),
			Lookback:          Duration(30 * time.Minute),
			RetentionDays:     7,
			PostRetries:       2,
			PostRetryDelay:    Duration(5 * time.Second),
			IgnoredErrors:     []string{"username_lookup", "rate limit"},
			RunLockTTL:        Duration(10 * time.Minute),
			MaxReplyLength:    280,
			ReplyBudget:       50,
			ReplyBudgetWindow: Duration(15 * time.Minute),
		},
		Twitter: TwitterConfig{
			BaseURL:    "https://api.twitter.com",
			Timeout:    Duration(15 * time.Second),
			MaxResults: 50,
		},
		Market: MarketConfig{
			BaseURL:  "https://marketplace.example.com/api",
			Timeout:  Duration(15 * time.Second),
			CacheTTL: Duration(60 * time.Second),

			BreakerFailurePct:   50,
			BreakerOpenDuration: Duration(30 * time.Second),
		},
		Daemon: DaemonConfig{
			Schedule:  "@every 2m",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "heroquote",
				SampleRate:  1.0,
			},
			MetricsNamespace: "heroquote",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. The format is
// chosen by extension; anything other than .yaml/.yml is read as JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Load returns DefaultConfig, overlaid with path (if set) and the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	LoadFromEnv(cfg)
	return cfg, cfg.Validate()
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			} else if n, err := strconv.Atoi(v); err == nil {
				*dst = Duration(time.Duration(n) * time.Minute)
			}
		}
	}

	str("HEROQUOTE_STORAGE_PRIMARY", &cfg.Storage.Primary)
	boolean("HEROQUOTE_FALLBACK_ENABLED", &cfg.Storage.FallbackEnabled)
	boolean("HEROQUOTE_DURABLE_ENABLED", &cfg.Storage.Durable.Enabled)
	str("HEROQUOTE_DURABLE_DRIVER", &cfg.Storage.Durable.Driver)
	str("HEROQUOTE_REDIS_ADDR", &cfg.Storage.Durable.Redis.Addr)
	str("HEROQUOTE_REDIS_PASSWORD", &cfg.Storage.Durable.Redis.Password)
	integer("HEROQUOTE_REDIS_DB", &cfg.Storage.Durable.Redis.DB)
	str("HEROQUOTE_DYNAMODB_TABLE", &cfg.Storage.Durable.DynamoDB.Table)
	str("HEROQUOTE_DYNAMODB_ENDPOINT", &cfg.Storage.Durable.DynamoDB.Endpoint)
	str("AWS_REGION", &cfg.Storage.Durable.DynamoDB.Region)
	str("HEROQUOTE_PG_DSN", &cfg.Storage.Durable.Postgres.DSN)
	boolean("HEROQUOTE_FILE_ENABLED", &cfg.Storage.File.Enabled)
	str("HEROQUOTE_STATE_DIR", &cfg.Storage.File.Dir)
	str("HEROQUOTE_STATE_FILE", &cfg.Storage.File.StateFile)

	str("HEROQUOTE_BOT_USERNAME", &cfg.Bot.Username)
	str("HEROQUOTE_BOT_USER_ID", &cfg.Bot.UserID)
	duration("HEROQUOTE_MAX_TWEET_AGE", &cfg.Bot.MaxTweetAge)
	duration("HEROQUOTE_LOOKBACK", &cfg.Bot.Lookback)
	integer("HEROQUOTE_RETENTION_DAYS", &cfg.Bot.RetentionDays)
	integer("HEROQUOTE_POST_RETRIES", &cfg.Bot.PostRetries)
	boolean("HEROQUOTE_RUN_LOCK", &cfg.Bot.RunLock)
	integer("HEROQUOTE_REPLY_BUDGET", &cfg.Bot.ReplyBudget)
	if v := os.Getenv("HEROQUOTE_IGNORED_ERRORS"); v != "" {
		cfg.Bot.IgnoredErrors = splitList(v)
	}

	str("HEROQUOTE_TWITTER_BASE_URL", &cfg.Twitter.BaseURL)
	str("HEROQUOTE_TWITTER_BEARER_TOKEN", &cfg.Twitter.BearerToken)
	str("HEROQUOTE_MARKET_BASE_URL", &cfg.Market.BaseURL)
	str("HEROQUOTE_MARKET_API_KEY", &cfg.Market.APIKey)

	str("HEROQUOTE_SCHEDULE", &cfg.Daemon.Schedule)
	str("HEROQUOTE_HTTP_ADDR", &cfg.Daemon.HTTPAddr)
	str("HEROQUOTE_LOG_LEVEL", &cfg.Daemon.LogLevel)
	str("HEROQUOTE_LOG_FORMAT", &cfg.Daemon.LogFormat)

	boolean("HEROQUOTE_TRACING_ENABLED", &cfg.Observability.Tracing.Enabled)
	str("HEROQUOTE_TRACING_ENDPOINT", &cfg.Observability.Tracing.Endpoint)
}

// Validate rejects configurations the state layer cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Primary {
	case "durable", "file":
	default:
		return fmt.Errorf("storage.primary must be durable or file, got %q", c.Storage.Primary)
	}
	switch c.Storage.Durable.Driver {
	case "redis", "dynamodb", "postgres", "memory":
	default:
		return fmt.Errorf("unknown durable driver %q", c.Storage.Durable.Driver)
	}
	if !c.Storage.Durable.Enabled && !c.Storage.File.Enabled {
		return fmt.Errorf("at least one of storage.durable and storage.file must be enabled")
	}
	primaryEnabled := c.Storage.Durable.Enabled
	if c.Storage.Primary == "file" {
		primaryEnabled = c.Storage.File.Enabled
	}
	if !primaryEnabled && !c.Storage.FallbackEnabled {
		return fmt.Errorf("storage.primary %q is disabled and storage.fallback_enabled is false", c.Storage.Primary)
	}
	if c.Storage.File.Enabled && c.Storage.File.Dir == "" {
		return fmt.Errorf("storage.file.dir is required when the file backend is enabled")
	}
	if c.Market.BreakerFailurePct < 0 || c.Market.BreakerFailurePct > 100 {
		return fmt.Errorf("market.breaker_failure_pct must be between 0 and 100")
	}
	if c.Bot.RetentionDays < 0 || c.Bot.PostRetries < 0 {
		return fmt.Errorf("bot.retention_days and bot.post_retries must not be negative")
	}
	return nil
}

// StatePath returns the composite state document path.
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.Storage.File.StateFile) {
		return c.Storage.File.StateFile
	}
	return filepath.Join(c.Storage.File.Dir, c.Storage.File.StateFile)
}

// Retention returns the reply-history retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Bot.RetentionDays) * 24 * time.Hour
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
