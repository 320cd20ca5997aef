package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"
)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERQ_ prefix), flags, or YAML config files.
type Config struct {
	Addr      string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Store     StoreConfig
	Processor ProcessorConfig
	RateLimit RateLimitConfig
	Graceful  GracefulConfig
}

// StoreConfig selects and configures the order store.
type StoreConfig struct {
	Driver         string `default:"memory" usage:"Order store driver: memory, postgres or dynamodb"`
	DatabaseURL    string `usage:"PostgreSQL connection URL (ORDERQ_STORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	DynamoTable    string `default:"orders" usage:"DynamoDB table name" flag:"dynamo-table"`
	AWSRegion      string `usage:"AWS region for DynamoDB" flag:"aws-region"`
	DynamoEndpoint string `usage:"DynamoDB endpoint override (e.g. http://localhost:8000)" flag:"dynamo-endpoint"`
}

// ProcessorConfig controls the background order processor.
type ProcessorConfig struct {
	Workers      int           `default:"4" usage:"Number of processing workers"`
	WorkDuration time.Duration `default:"2s" usage:"Simulated fulfillment time per order" flag:"work-duration"`
	BacklogLimit int           `default:"100000" usage:"Queue depth that fails the liveness probe" flag:"backlog-limit"`
	StallTimeout time.Duration `default:"2m" usage:"How long all workers may stay busy before liveness fails" flag:"stall-timeout"`
	Retry        RetryConfig
}

// RetryConfig bounds retries of store writes made by the processor.
type RetryConfig struct {
	MaxAttempts     int           `default:"5" usage:"Attempts per status write"`
	InitialInterval time.Duration `default:"100ms" usage:"First retry delay"`
	MaxInterval     time.Duration `default:"5s" usage:"Maximum retry delay"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	RPS   float64 `default:"50" usage:"Sustained requests per second per client"`
	Burst int     `default:"100" usage:"Burst size per client"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum HTTP shutdown duration" flag:"shutdown-timeout"`
	DrainTimeout    time.Duration `default:"10s" usage:"How long workers may finish in-flight orders" flag:"drain-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERQ",
		Files:     []string{"config.yaml", "/etc/orderq/config.yaml"},
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

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the ORDERQ_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Store.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Store.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("database URL is required for the postgres store: set ORDERQ_STORE_DATABASE_URL or DATABASE_URL")
		}
	case DriverDynamoDB:
		if c.Store.DynamoTable == "" {
			return errors.New("dynamodb table name is required")
		}
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Processor.Workers < 1 {
		return errors.Errorf("processor workers must be positive, got %d", c.Processor.Workers)
	}
	return nil
}
