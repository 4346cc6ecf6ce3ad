package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxHistoryLimit bounds how many prior messages are replayed to the agent.
const MaxHistoryLimit = 10

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey string        `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	OpenAIAPIKey       string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel        string        `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL      string        `mapstructure:"OPENAI_BASE_URL"`
	LLMTemperature     float64       `mapstructure:"LLM_TEMPERATURE"`
	ChatHistoryLimit   int           `mapstructure:"CHAT_HISTORY_LIMIT"`
	AgentMaxRounds     int           `mapstructure:"AGENT_MAX_ROUNDS"`
	DisplayTimezone    string        `mapstructure:"DISPLAY_TIMEZONE"`
	RPANodeToken       string        `mapstructure:"RPA_NODE_TOKEN"`
	TurnLockTTL        time.Duration `mapstructure:"TURN_LOCK_TTL"`
	OTelEnabled        bool          `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint       string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure       bool          `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelSampleRatio    float64       `mapstructure:"OTEL_SAMPLER_RATIO"`
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
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TEMPERATURE", 0.2)
	v.SetDefault("CHAT_HISTORY_LIMIT", MaxHistoryLimit)
	v.SetDefault("AGENT_MAX_ROUNDS", 6)
	v.SetDefault("DISPLAY_TIMEZONE", "America/New_York")
	v.SetDefault("TURN_LOCK_TTL", "5m")
	v.SetDefault("OTEL_SAMPLER_RATIO", 0.1)

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
		"HIPAA_ENCRYPTION_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "LLM_TEMPERATURE",
		"CHAT_HISTORY_LIMIT", "AGENT_MAX_ROUNDS", "DISPLAY_TIMEZONE",
		"RPA_NODE_TOKEN", "TURN_LOCK_TTL", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLER_RATIO",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ChatHistoryLimit <= 0 || cfg.ChatHistoryLimit > MaxHistoryLimit {
		cfg.ChatHistoryLimit = MaxHistoryLimit
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: AUTH_SIGNING_KEY is empty in development; every bearer token will be rejected.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves DISPLAY_TIMEZONE, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.DisplayTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key and a model key must be present; in production the PHI
// encryption key is mandatory and must be 64 hex characters.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when ENV=%q", c.Env)
		}
		if c.RPANodeToken == "" {
			return fmt.Errorf("RPA_NODE_TOKEN is required when ENV=%q", c.Env)
		}
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		if _, err := c.EncryptionKey(); err != nil {
			return err
		}
	}

	if c.AgentMaxRounds <= 0 {
		return fmt.Errorf("AGENT_MAX_ROUNDS must be positive, got %d", c.AgentMaxRounds)
	}
	if c.TurnLockTTL <= 0 {
		return fmt.Errorf("TURN_LOCK_TTL must be positive")
	}

	return nil
}

// EncryptionKey decodes HIPAA_ENCRYPTION_KEY. It returns nil, nil when no key
// is configured.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.HIPAAEncryptionKey == "" {
		return nil, nil
	}
	keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return keyBytes, nil
}
