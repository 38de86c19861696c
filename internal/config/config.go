// Package config holds the runtime settings shared by the smsverify binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultListenAddr          = ":8080"
	defaultDatabaseURL         = "sqlite:///tmp/smsverify.db"
	defaultAllowedOrigin       = "http://localhost:3000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultMarkup              = "1.5"
	defaultMinimumFundingMinor = 100_00
	defaultCheckCoolDown       = 30 * time.Second
	defaultFallbackWorkers     = 4
	defaultPollAttempts        = 20
	defaultPollInterval        = 5 * time.Second
	defaultRefundGrace         = 10 * time.Minute
	defaultRateTTL             = time.Hour
	defaultRequestTimeout      = 30 * time.Second
)

// ErrInvalidConfig reports a missing or unusable setting.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	AllowedOrigins []string
	RequestTimeout time.Duration

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminToken        string

	PaystackSecretKey   string
	PaystackBaseURL     string
	PaystackCallbackURL string

	SMSPoolAPIKey  string
	SMSPoolBaseURL string

	RateURL         string
	RateTTL         time.Duration
	FallbackRateNGN string
	RedisURL        string

	Markup              string
	MinimumFundingMinor int64

	CheckCoolDown   time.Duration
	FallbackWorkers int
	PollAttempts    int
	PollInterval    time.Duration
	RefundGrace     time.Duration
}

// ApplyDefaults fills every optional setting left empty.
func (cfg *Config) ApplyDefaults() {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RateTTL <= 0 {
		cfg.RateTTL = defaultRateTTL
	}
	cfg.Markup = defaultIfEmpty(cfg.Markup, defaultMarkup)
	if cfg.MinimumFundingMinor <= 0 {
		cfg.MinimumFundingMinor = defaultMinimumFundingMinor
	}
	if cfg.CheckCoolDown <= 0 {
		cfg.CheckCoolDown = defaultCheckCoolDown
	}
	if cfg.FallbackWorkers <= 0 {
		cfg.FallbackWorkers = defaultFallbackWorkers
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RefundGrace <= 0 {
		cfg.RefundGrace = defaultRefundGrace
	}
}

// ValidateWorker checks what the background reconciler needs.
func (cfg *Config) ValidateWorker() error {
	cfg.ApplyDefaults()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("%w: database url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.SMSPoolAPIKey) == "" {
		return fmt.Errorf("%w: smspool api key is required", ErrInvalidConfig)
	}
	return nil
}

// Validate checks what the HTTP server needs.
func (cfg *Config) Validate() error {
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: listen addr is required", ErrInvalidConfig)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.PaystackSecretKey) == "" {
		return fmt.Errorf("%w: paystack secret key is required", ErrInvalidConfig)
	}
	if len(strings.TrimSpace(cfg.AdminToken)) < 16 {
		return fmt.Errorf("%w: admin token must be at least 16 characters", ErrInvalidConfig)
	}
	if _, err := cfg.MarkupDecimal(); err != nil {
		return err
	}
	if _, err := cfg.FallbackRate(); err != nil {
		return err
	}
	return nil
}

// MarkupDecimal parses Markup.
func (cfg *Config) MarkupDecimal() (decimal.Decimal, error) {
	markup, err := decimal.NewFromString(strings.TrimSpace(cfg.Markup))
	if err != nil || !markup.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: markup %q must be a positive number", ErrInvalidConfig, cfg.Markup)
	}
	return markup, nil
}

// FallbackRate parses FallbackRateNGN; an empty value means no fallback.
func (cfg *Config) FallbackRate() (decimal.Decimal, error) {
	if strings.TrimSpace(cfg.FallbackRateNGN) == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.FallbackRateNGN))
	if err != nil || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: fallback rate %q must be a positive number", ErrInvalidConfig, cfg.FallbackRateNGN)
	}
	return rate, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
