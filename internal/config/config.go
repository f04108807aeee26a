package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Audit sinks.
const (
	AuditSinkLog  = "log"
	AuditSinkDB   = "db"
	AuditSinkBoth = "both"
)

type Config struct {
	Port           string  `mapstructure:"PORT"`
	Env            string  `mapstructure:"ENV"`
	AuthMode       string  `mapstructure:"AUTH_MODE"`
	DatabaseURL    string  `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32   `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string  `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string  `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string  `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string  `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	// CalcMaxBatch caps the number of services in one calculation request.
	CalcMaxBatch int    `mapstructure:"CALC_MAX_BATCH"`
	AuditSink    string `mapstructure:"AUDIT_SINK"`
	// BodyLimit applies to all requests; BatchBodyLimit to calculation batches.
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit string        `mapstructure:"BATCH_BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CALC_MAX_BATCH", "AUDIT_SINK",
	"BODY_LIMIT", "BATCH_BODY_LIMIT", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CALC_MAX_BATCH", 50)
	v.SetDefault("AUDIT_SINK", AuditSinkBoth)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "4M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AuditSink = strings.ToLower(strings.TrimSpace(cfg.AuditSink))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" for everything else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate refuses configurations that would run without authentication
// outside development or with out-of-range calculation settings.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
		if c.IsProduction() && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.CalcMaxBatch < 1 {
		return fmt.Errorf("CALC_MAX_BATCH must be positive, got %d", c.CalcMaxBatch)
	}
	switch c.AuditSink {
	case AuditSinkLog, AuditSinkDB, AuditSinkBoth:
	default:
		return fmt.Errorf("AUDIT_SINK must be one of log, db, both; got %q", c.AuditSink)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	return nil
}
