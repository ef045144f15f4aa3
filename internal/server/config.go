package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultSendBuffer      = 256
	defaultBurst           = 5
	defaultRefillInterval  = time.Second
	defaultTokenTTL        = 2 * time.Hour
	defaultMemberCacheTTL  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	// DevJWTSecret signs tokens when no secret is configured outside production.
	DevJWTSecret = "chatd-development-secret-do-not-use"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string   `envconfig:"SERVER_PORT" default:":8080"`
	Env            string   `envconfig:"ENV" default:"development" validate:"oneof=development test production"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize int64    `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	SendBuffer     int      `envconfig:"SEND_BUFFER" default:"256"`

	// RateLimitRefillSeconds is read as whole seconds, like the other
	// integer knobs, and folded into RateLimit by sanitizeConfig.
	RateLimitBurst         int             `envconfig:"RATE_LIMIT_BURST" default:"5"`
	RateLimitRefillSeconds int             `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1"`
	RateLimit              RateLimitConfig `ignored:"true"`

	JWTSecret string        `envconfig:"JWT_SECRET" validate:"required_if=Env production"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"2h"`

	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	MemberCacheTTL  time.Duration `envconfig:"MEMBER_CACHE_TTL" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// SeedUsers lists "id:username" or "username" entries loaded into the
	// in-memory store when DATABASE_URL is empty.
	SeedUsers []string `envconfig:"SEED_USERS"`
}

var configValidator = validator.New()

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := sanitizeConfig(Config{
		Env:      "development",
		LogLevel: "info",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
	})
	return &cfg
}

// NewConfigFromEnv loads .env when present, then reads the environment.
// Non-positive sizes and intervals fall back to defaults; values that do not
// parse are an error.
func NewConfigFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningSecret returns the configured JWT secret, or the development secret
// outside production.
func (c *Config) SigningSecret() []byte {
	if c.JWTSecret == "" && !c.IsProduction() {
		return []byte(DevJWTSecret)
	}
	return []byte(c.JWTSecret)
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultBurst
	}
	cfg.RateLimit = RateLimitConfig{
		Burst:          cfg.RateLimitBurst,
		RefillInterval: time.Duration(cfg.RateLimitRefillSeconds) * time.Second,
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
		cfg.RateLimitRefillSeconds = int(defaultRefillInterval / time.Second)
	}

	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.MemberCacheTTL <= 0 {
		cfg.MemberCacheTTL = defaultMemberCacheTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
