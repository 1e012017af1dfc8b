package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	AuthMode string `mapstructure:"AUTH_MODE"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL     string `mapstructure:"REDIS_URL"`
	RedisChannel string `mapstructure:"REDIS_CHANNEL"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BookingOpTimeout     time.Duration `mapstructure:"BOOKING_OP_TIMEOUT"`
	CancellationLeadTime time.Duration `mapstructure:"CANCELLATION_LEAD_TIME"`
	DefaultSlotCapacity  int           `mapstructure:"DEFAULT_SLOT_CAPACITY"`
	MaxGenerationDays    int           `mapstructure:"MAX_GENERATION_DAYS"`
	AsyncEvents          bool          `mapstructure:"ASYNC_EVENTS"`

	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	EmailFrom      string `mapstructure:"EMAIL_FROM"`
	EmailFromName  string `mapstructure:"EMAIL_FROM_NAME"`
	MeetingBaseURL string `mapstructure:"MEETING_BASE_URL"`

	WebhookURLs   []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
}

var defaults = map[string]any{
	"PORT":                   "8000",
	"ENV":                    "development",
	"LOG_LEVEL":              "info",
	"AUTH_MODE":              "", // inferred from ENV
	"STORE_BACKEND":          BackendMemory,
	"DB_MAX_CONNS":           20,
	"DB_MIN_CONNS":           2,
	"REDIS_CHANNEL":          "slotbook.bookings",
	"CORS_ORIGINS":           "http://localhost:3000",
	"RATE_LIMIT_RPS":         20,
	"RATE_LIMIT_BURST":       40,
	"BODY_LIMIT":             "1M",
	"REQUEST_TIMEOUT":        "30s",
	"BOOKING_OP_TIMEOUT":     "5s",
	"CANCELLATION_LEAD_TIME": "24h",
	"DEFAULT_SLOT_CAPACITY":  1,
	"MAX_GENERATION_DAYS":    180,
	"ASYNC_EVENTS":           true,
	"EMAIL_FROM":             "noreply@slotbook.local",
	"EMAIL_FROM_NAME":        "Slotbook",
}

var unset = []string{
	"DATABASE_URL", "REDIS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"SENDGRID_API_KEY", "MEETING_BASE_URL", "WEBHOOK_URLS", "WEBHOOK_SECRET",
}

// Load reads .env (if present) and the environment. It does not validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	for _, k := range unset {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return cfg, nil
}

// splitList normalizes a comma-separated env value that viper hands over as a
// single element.
func splitList(in []string) []string {
	if len(in) == 1 && strings.Contains(in[0], ",") {
		in = strings.Split(in[0], ",")
	}
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE if set; otherwise development auth in
// ENV=development and JWT everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case AuthModeJWT:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is %q", AuthModeJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, c.AuthMode)
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.StoreBackend)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max >= 1", c.DBMinConns, c.DBMaxConns)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS must be > 0 and RATE_LIMIT_BURST >= 1")
	}
	if c.RequestTimeout <= 0 || c.BookingOpTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT and BOOKING_OP_TIMEOUT must be positive")
	}
	if c.BookingOpTimeout > c.RequestTimeout {
		return fmt.Errorf("BOOKING_OP_TIMEOUT (%s) must not exceed REQUEST_TIMEOUT (%s)", c.BookingOpTimeout, c.RequestTimeout)
	}
	if c.CancellationLeadTime < 0 {
		return fmt.Errorf("CANCELLATION_LEAD_TIME must not be negative")
	}
	if c.DefaultSlotCapacity < 1 {
		return fmt.Errorf("DEFAULT_SLOT_CAPACITY must be >= 1, got %d", c.DefaultSlotCapacity)
	}
	if c.MaxGenerationDays < 1 {
		return fmt.Errorf("MAX_GENERATION_DAYS must be >= 1, got %d", c.MaxGenerationDays)
	}
	if c.SendGridAPIKey != "" && c.EmailFrom == "" {
		return fmt.Errorf("EMAIL_FROM is required when SENDGRID_API_KEY is set")
	}
	if len(c.WebhookURLs) > 0 && c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production when WEBHOOK_URLS is set")
	}
	return nil
}
