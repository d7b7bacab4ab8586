// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "text" or "json"
	RequestTimeout time.Duration

	// Storage. DatabaseURL wins over SQLitePath; with neither set the
	// ledger lives in memory.
	DatabaseURL string
	SQLitePath  string

	// Bot settings
	BotToken      string
	BotPolling    bool
	WebAppURL     string
	MiniAppURL    string // falls back to WebAppURL
	MiniAppButton string

	// Purchase settings
	AllowedAmounts     []int64
	Currency           string
	InvoiceTitle       string
	InvoiceDescription string // "{amount}" is replaced with the amount

	// Init data verification
	InitDataMaxAge               time.Duration // zero disables the freshness check
	InitDataAllowMissingAuthDate bool
	InitDataScheme               string // "sha256" or "webapp"

	// Tracing
	OTelEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultAllowedAmounts     = "25,50,100"
	DefaultCurrency           = "XTR"
	DefaultInvoiceTitle       = "Random Gift"
	DefaultInvoiceDescription = "Gift purchase for {amount} Stars."
	DefaultMiniAppButton      = "Open mini app"
	DefaultInitDataMaxAge     = 24 * time.Hour
	DefaultInitDataScheme     = "sha256"
	DefaultRequestTimeout     = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	amounts, err := parseAmounts(getEnv("ALLOWED_AMOUNTS", DefaultAllowedAmounts))
	if err != nil {
		return nil, err
	}

	webAppURL := getEnv("WEB_APP_URL", os.Getenv("APP_PUBLIC_URL"))
	cfg := &Config{
		Port:                         getEnv("PORT", DefaultPort),
		Env:                          getEnv("ENV", DefaultEnv),
		LogLevel:                     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                    getEnv("LOG_FORMAT", DefaultLogFormat),
		RequestTimeout:               getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		DatabaseURL:                  os.Getenv("DATABASE_URL"),
		SQLitePath:                   os.Getenv("SQLITE_PATH"),
		BotToken:                     os.Getenv("BOT_TOKEN"), // Required, no default
		BotPolling:                   getEnvBool("BOT_POLLING", true),
		WebAppURL:                    webAppURL,
		MiniAppURL:                   getEnv("MINI_APP_URL", webAppURL),
		MiniAppButton:                getEnv("MINI_APP_BUTTON", DefaultMiniAppButton),
		AllowedAmounts:               amounts,
		Currency:                     getEnv("CURRENCY", DefaultCurrency),
		InvoiceTitle:                 getEnv("INVOICE_TITLE", DefaultInvoiceTitle),
		InvoiceDescription:           getEnv("INVOICE_DESCRIPTION", DefaultInvoiceDescription),
		InitDataMaxAge:               time.Duration(getEnvInt64("INIT_DATA_MAX_AGE", int64(DefaultInitDataMaxAge/time.Second))) * time.Second,
		InitDataAllowMissingAuthDate: getEnvBool("INIT_DATA_ALLOW_MISSING_AUTH_DATE", false),
		InitDataScheme:               getEnv("INIT_DATA_SCHEME", DefaultInitDataScheme),
		OTelEndpoint:                 os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}

	if len(c.AllowedAmounts) == 0 {
		return fmt.Errorf("ALLOWED_AMOUNTS must list at least one amount")
	}
	for _, a := range c.AllowedAmounts {
		if a <= 0 {
			return fmt.Errorf("ALLOWED_AMOUNTS must be positive, got %d", a)
		}
	}

	if c.Currency == "" {
		return fmt.Errorf("CURRENCY is required")
	}

	if c.InitDataMaxAge < 0 {
		return fmt.Errorf("INIT_DATA_MAX_AGE must not be negative")
	}

	switch strings.ToLower(c.InitDataScheme) {
	case "", "sha256", "webapp":
	default:
		return fmt.Errorf("INIT_DATA_SCHEME must be sha256 or webapp, got %q", c.InitDataScheme)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("10s") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func parseAmounts(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ALLOWED_AMOUNTS: %q is not an integer", part)
		}
		out = append(out, n)
	}
	return out, nil
}
