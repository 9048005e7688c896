package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-promotions/internal/engine"
)

// Config holds the complete application configuration, loadable from
// environment variables (PROMO_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (PROMO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (PROMO_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Engine       EngineConfig
	Catalog      CatalogConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// EngineConfig tunes promotion reconciliation.
type EngineConfig struct {
	Exclusive    bool   `default:"false" usage:"Keep only the most valuable promotion per order"`
	CreditPolicy string `default:"all" usage:"Orders counted against usage limits: all or completed" flag:"credit-policy"`
	SkipZero     bool   `default:"true" usage:"Skip adjustments that compute to zero" flag:"skip-zero"`
	Parallelism  int    `default:"4" usage:"Concurrent reconciles in batch operations"`
}

// CatalogConfig selects where promotion definitions come from.
type CatalogConfig struct {
	File            string        `default:"" usage:"YAML promotions file; the database is used when empty"`
	RefreshInterval time.Duration `default:"1m" usage:"Interval between catalog reloads; 0 disables" flag:"refresh-interval"`
}

// RedisConfig enables Redis backed visit tracking and rate limiting.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address; in-process stores are used when empty"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	VisitTTL time.Duration `default:"720h" usage:"How long landing page visits are remembered" flag:"visit-ttl"`
}

// KafkaConfig enables asynchronous event processing.
type KafkaConfig struct {
	Brokers         []string `usage:"Kafka brokers; events are processed synchronously when empty"`
	Topic           string   `default:"promo.order-events" usage:"Order events topic"`
	GroupID         string   `default:"promo-engine" usage:"Consumer group" flag:"group-id"`
	MaxAttempts     int      `default:"3" usage:"Reconcile attempts per event" flag:"max-attempts"`
	DeadLetterTopic string   `default:"promo.order-events.dlq" usage:"Topic for events that could not be processed; empty disables" flag:"dead-letter-topic"`
}

// RateLimitConfig controls per API key request limits.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PROMO",
		Files:     []string{"config.yaml", "/etc/promo/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set PROMO_DATABASE_URL or DATABASE_URL")
	case c.APIKeyPepper == "":
		return errors.New("API key pepper is required: set PROMO_API_KEY_PEPPER")
	case !engine.CreditPolicy(c.Engine.CreditPolicy).Valid():
		return errors.Errorf("unknown credit policy %q", c.Engine.CreditPolicy)
	case c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0:
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the PROMO_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
