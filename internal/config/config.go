package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/patientflow/internal/domain/patientflow"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	StoreBackend   string   `mapstructure:"STORE_BACKEND"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	WaitTimeTable  string   `mapstructure:"WAIT_TIME_TABLE"`

	NotifyBufferSize      int           `mapstructure:"NOTIFY_BUFFER_SIZE"`
	NotifyDeliveryTimeout time.Duration `mapstructure:"NOTIFY_DELIVERY_TIMEOUT"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	RedisChannel string `mapstructure:"REDIS_CHANNEL"`

	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `mapstructure:"TWILIO_FROM_NUMBER"`

	FirebaseCredentialsFile string `mapstructure:"FIREBASE_CREDENTIALS_FILE"`

	SMTPHost      string `mapstructure:"SMTP_HOST"`
	SMTPPort      int    `mapstructure:"SMTP_PORT"`
	SMTPUsername  string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword  string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom      string `mapstructure:"SMTP_FROM"`
	PharmacyEmail string `mapstructure:"PHARMACY_EMAIL"`

	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "WAIT_TIME_TABLE",
	"NOTIFY_BUFFER_SIZE", "NOTIFY_DELIVERY_TIMEOUT", "REDIS_URL", "REDIS_CHANNEL",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
	"FIREBASE_CREDENTIALS_FILE",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM", "PHARMACY_EMAIL",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("NOTIFY_BUFFER_SIZE", 64)
	v.SetDefault("NOTIFY_DELIVERY_TIMEOUT", "5s")
	v.SetDefault("REDIS_CHANNEL", "patientflow:notifications")
	v.SetDefault("SMTP_PORT", 587)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// WaitTable returns the configured wait-time table, or the default table when
// WAIT_TIME_TABLE is unset.
func (c *Config) WaitTable() (patientflow.WaitTable, error) {
	return patientflow.ParseWaitTable(c.WaitTimeTable)
}

func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" || c.TwilioAuthToken != "" || c.TwilioFromNumber != ""
}

func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is required so staff tokens are verified.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreBackend)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if _, err := c.WaitTable(); err != nil {
		return fmt.Errorf("WAIT_TIME_TABLE: %w", err)
	}

	if c.NotifyBufferSize <= 0 {
		return fmt.Errorf("NOTIFY_BUFFER_SIZE must be positive, got %d", c.NotifyBufferSize)
	}
	if c.NotifyDeliveryTimeout <= 0 {
		return fmt.Errorf("NOTIFY_DELIVERY_TIMEOUT must be positive, got %s", c.NotifyDeliveryTimeout)
	}

	if c.TwilioEnabled() && (c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "") {
		return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER must be set together")
	}
	if c.EmailEnabled() && (c.SMTPFrom == "" || c.PharmacyEmail == "") {
		return fmt.Errorf("SMTP_FROM and PHARMACY_EMAIL are required when SMTP_HOST is set")
	}
	if c.WebhookSecret != "" && c.WebhookURL == "" {
		return fmt.Errorf("WEBHOOK_SECRET is set but WEBHOOK_URL is empty")
	}

	return nil
}
