package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"opalsync"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"opalsync"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Security
	WebhookSecret   string        `envconfig:"WEBHOOK_SECRET"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"60"`
	TimestampSkew   time.Duration `envconfig:"TIMESTAMP_SKEW" default:"5m"`

	// Enhancement
	GeminiAPIKey       string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel        string        `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	EnhanceTimeout     time.Duration `envconfig:"ENHANCE_TIMEOUT" default:"30s"`
	EnhanceMaxAttempts int           `envconfig:"ENHANCE_MAX_ATTEMPTS" default:"2"`
	EnhanceBackoffBase time.Duration `envconfig:"ENHANCE_BACKOFF_BASE" default:"1s"`

	// Quantitative guardrail vocabulary, comma separated key-name fragments.
	QuantitativeVocabulary string `envconfig:"QUANT_VOCABULARY" default:"count,rate,score,total,views,visitors,sessions,conversions,revenue,amount,percent,duration,latency,avg,sum,min,max,metric"`

	// Dependency graph
	CriticalContentUnits string        `envconfig:"CRITICAL_CONTENT_UNITS" default:""`
	PropagationTimeout   time.Duration `envconfig:"PROPAGATION_TIMEOUT" default:"15s"`

	// Stream bus
	StreamWindowSize      int           `envconfig:"STREAM_WINDOW_SIZE" default:"1000"`
	StreamDefaultTTL      time.Duration `envconfig:"STREAM_DEFAULT_TTL" default:"5m"`
	StreamPurgeInterval   time.Duration `envconfig:"STREAM_PURGE_INTERVAL" default:"30s"`
	StreamMetricsInterval time.Duration `envconfig:"STREAM_METRICS_INTERVAL" default:"15s"`
	StreamMaxSubscribers  int           `envconfig:"STREAM_MAX_SUBSCRIBERS" default:"500"`
	StreamMemoryLimitMB   int           `envconfig:"STREAM_MEMORY_LIMIT_MB" default:"256"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell; .env files are best-effort.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("%w: WEBHOOK_SECRET", ErrMissingRequired)
	}
	if c.EnhanceMaxAttempts < 1 {
		return fmt.Errorf("%w: ENHANCE_MAX_ATTEMPTS", ErrMissingRequired)
	}
	return nil
}

// QuantVocabulary splits the configured vocabulary into lower-cased fragments.
func (c *Config) QuantVocabulary() []string {
	return splitCSV(c.QuantitativeVocabulary)
}

// CriticalUnits returns the configured full-site validation set.
func (c *Config) CriticalUnits() []string {
	return splitCSV(c.CriticalContentUnits)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
