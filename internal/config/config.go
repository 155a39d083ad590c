package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL               string        `mapstructure:"REDIS_URL"`
	TokenEncryptionKey     string        `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	PreviousEncryptionKeys []string      `mapstructure:"TOKEN_ENCRYPTION_PREVIOUS_KEYS"`
	ProviderClientID       string        `mapstructure:"PROVIDER_CLIENT_ID"`
	ProviderClientSecret   string        `mapstructure:"PROVIDER_CLIENT_SECRET"`
	ProviderIssuer         string        `mapstructure:"PROVIDER_ISSUER"`
	ProviderAuthURL        string        `mapstructure:"PROVIDER_AUTH_URL"`
	ProviderTokenURL       string        `mapstructure:"PROVIDER_TOKEN_URL"`
	ProviderUserInfoURL    string        `mapstructure:"PROVIDER_USERINFO_URL"`
	ProviderRedirectURL    string        `mapstructure:"PROVIDER_REDIRECT_URL"`
	ProviderScopes         []string      `mapstructure:"PROVIDER_SCOPES"`
	ProviderTimeout        time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	RefreshSkew            time.Duration `mapstructure:"REFRESH_SKEW"`
	StatusRequireAuth      bool          `mapstructure:"STATUS_REQUIRE_AUTH"`
	RoutePrefix            string        `mapstructure:"ROUTE_PREFIX"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS           float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int           `mapstructure:"RATE_LIMIT_BURST"`
	BcryptCost             int           `mapstructure:"BCRYPT_COST"`
	OTLPEndpoint           string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRatio       float64       `mapstructure:"OTEL_TRACES_SAMPLER_ARG"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"TOKEN_ENCRYPTION_KEY",
	"TOKEN_ENCRYPTION_PREVIOUS_KEYS",
	"PROVIDER_CLIENT_ID",
	"PROVIDER_CLIENT_SECRET",
	"PROVIDER_ISSUER",
	"PROVIDER_AUTH_URL",
	"PROVIDER_TOKEN_URL",
	"PROVIDER_USERINFO_URL",
	"PROVIDER_REDIRECT_URL",
	"PROVIDER_SCOPES",
	"PROVIDER_TIMEOUT",
	"REFRESH_SKEW",
	"STATUS_REQUIRE_AUTH",
	"ROUTE_PREFIX",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"BCRYPT_COST",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_TRACES_SAMPLER_ARG",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("PROVIDER_REDIRECT_URL", "http://localhost:8000/abha/callback")
	v.SetDefault("PROVIDER_SCOPES", "openid profile email")
	v.SetDefault("PROVIDER_TIMEOUT", "10s")
	v.SetDefault("REFRESH_SKEW", "300s")
	v.SetDefault("STATUS_REQUIRE_AUTH", true)
	v.SetDefault("ROUTE_PREFIX", "/abha")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Space- or comma-separated lists arrive as a single string from the environment.
	cfg.ProviderScopes = splitList(v.GetString("PROVIDER_SCOPES"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.PreviousEncryptionKeys = splitList(v.GetString("TOKEN_ENCRYPTION_PREVIOUS_KEYS"))

	if cfg.DatabaseURL == "" && !cfg.IsDev() {
		return nil, fmt.Errorf("DATABASE_URL is required outside development")
	}

	if cfg.IsDev() && cfg.DatabaseURL == "" {
		log.Println("WARNING: DATABASE_URL is not set; link records and audit events are kept in memory.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The token encryption
// key and the provider client credentials are required in every mode; the
// service refuses to start without them.
func (c *Config) Validate() error {
	if c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	keyBytes, err := hex.DecodeString(c.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	for i, k := range c.PreviousEncryptionKeys {
		if b, err := hex.DecodeString(k); err != nil || len(b) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_PREVIOUS_KEYS[%d] must be 64 hex chars", i)
		}
	}

	if c.ProviderClientID == "" || c.ProviderClientSecret == "" {
		return fmt.Errorf("PROVIDER_CLIENT_ID and PROVIDER_CLIENT_SECRET are required")
	}
	if c.ProviderIssuer == "" && (c.ProviderAuthURL == "" || c.ProviderTokenURL == "") {
		return fmt.Errorf("either PROVIDER_ISSUER or both PROVIDER_AUTH_URL and PROVIDER_TOKEN_URL must be set")
	}
	if c.ProviderRedirectURL == "" {
		return fmt.Errorf("PROVIDER_REDIRECT_URL is required")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive, got %s", c.ProviderTimeout)
	}
	if c.RefreshSkew < 0 {
		return fmt.Errorf("REFRESH_SKEW must not be negative, got %s", c.RefreshSkew)
	}
	if c.RoutePrefix != "" && !strings.HasPrefix(c.RoutePrefix, "/") {
		return fmt.Errorf("ROUTE_PREFIX must start with '/', got %q", c.RoutePrefix)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %g", c.TraceSampleRatio)
	}

	return nil
}
