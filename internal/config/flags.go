package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SMSVERIFY"

const (
	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagAllowedOrigins      = "allowed-origins"
	flagRequestTimeout      = "request-timeout"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagAdminToken          = "admin-token"
	flagPaystackSecretKey   = "paystack-secret-key"
	flagPaystackBaseURL     = "paystack-base-url"
	flagPaystackCallbackURL = "paystack-callback-url"
	flagSMSPoolAPIKey       = "smspool-api-key"
	flagSMSPoolBaseURL      = "smspool-base-url"
	flagRateURL             = "rate-url"
	flagRateTTL             = "rate-ttl"
	flagFallbackRateNGN     = "fallback-rate-ngn"
	flagRedisURL            = "redis-url"
	flagMarkup              = "markup"
	flagMinimumFunding      = "minimum-funding-minor"
	flagCheckCoolDown       = "check-cooldown"
	flagFallbackWorkers     = "fallback-workers"
	flagPollAttempts        = "poll-attempts"
	flagPollInterval        = "poll-interval"
	flagRefundGrace         = "refund-grace"
)

// RegisterServerFlags declares the settings only the HTTP server reads.
func RegisterServerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagAllowedOrigins, defaultAllowedOrigin, "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, defaultRequestTimeout, "per-request timeout for service calls")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, defaultSessionIssuer, "expected JWT issuer")
	flags.String(flagJWTCookieName, defaultSessionCookie, "JWT cookie name")
	flags.String(flagAdminToken, "", "bearer token for /admin routes (required, 16+ characters)")
	flags.String(flagPaystackSecretKey, "", "Paystack secret key, also used to verify webhooks (required)")
	flags.String(flagPaystackBaseURL, "", "Paystack API base URL override")
	flags.String(flagPaystackCallbackURL, "", "URL Paystack redirects to after checkout")
	flags.String(flagRateURL, "", "USD exchange rate endpoint override")
	flags.Duration(flagRateTTL, defaultRateTTL, "how long a fetched exchange rate stays fresh")
	flags.String(flagFallbackRateNGN, "", "NGN per USD served when no rate was ever fetched")
	flags.String(flagMarkup, defaultMarkup, "multiplier applied to converted provider prices")
	flags.Int64(flagMinimumFunding, defaultMinimumFundingMinor, "smallest wallet top-up in kobo")
}

// RegisterWorkerFlags declares the settings shared by the server and the reconciler.
func RegisterWorkerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL, sqlite:// URL or sqlite file path")
	flags.String(flagSMSPoolAPIKey, "", "SMSPool API key (required)")
	flags.String(flagSMSPoolBaseURL, "", "SMSPool API base URL override")
	flags.String(flagRedisURL, "", "redis URL for the shared exchange rate and order change channel")
	flags.Duration(flagCheckCoolDown, defaultCheckCoolDown, "skip fallback checks of orders checked more recently than this")
	flags.Int(flagFallbackWorkers, defaultFallbackWorkers, "concurrent single-order provider checks")
	flags.Int(flagPollAttempts, defaultPollAttempts, "provider checks per order poll")
	flags.Duration(flagPollInterval, defaultPollInterval, "wait between order poll checks")
	flags.Duration(flagRefundGrace, defaultRefundGrace, "age before an unverified debit is refunded")
}

// Load reads every registered flag, falling back to SMSVERIFY_* environment variables.
func Load(cmd *cobra.Command, cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagListenAddr, flagDatabaseURL, flagAllowedOrigins, flagRequestTimeout,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagAdminToken,
		flagPaystackSecretKey, flagPaystackBaseURL, flagPaystackCallbackURL,
		flagSMSPoolAPIKey, flagSMSPoolBaseURL,
		flagRateURL, flagRateTTL, flagFallbackRateNGN, flagRedisURL,
		flagMarkup, flagMinimumFunding,
		flagCheckCoolDown, flagFallbackWorkers, flagPollAttempts, flagPollInterval, flagRefundGrace,
	} {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(flagName, flag); err != nil {
			return err
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.AllowedOrigins = ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminToken = strings.TrimSpace(v.GetString(flagAdminToken))
	cfg.PaystackSecretKey = strings.TrimSpace(v.GetString(flagPaystackSecretKey))
	cfg.PaystackBaseURL = strings.TrimSpace(v.GetString(flagPaystackBaseURL))
	cfg.PaystackCallbackURL = strings.TrimSpace(v.GetString(flagPaystackCallbackURL))
	cfg.SMSPoolAPIKey = strings.TrimSpace(v.GetString(flagSMSPoolAPIKey))
	cfg.SMSPoolBaseURL = strings.TrimSpace(v.GetString(flagSMSPoolBaseURL))
	cfg.RateURL = strings.TrimSpace(v.GetString(flagRateURL))
	cfg.RateTTL = v.GetDuration(flagRateTTL)
	cfg.FallbackRateNGN = strings.TrimSpace(v.GetString(flagFallbackRateNGN))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.Markup = strings.TrimSpace(v.GetString(flagMarkup))
	cfg.MinimumFundingMinor = v.GetInt64(flagMinimumFunding)
	cfg.CheckCoolDown = v.GetDuration(flagCheckCoolDown)
	cfg.FallbackWorkers = v.GetInt(flagFallbackWorkers)
	cfg.PollAttempts = v.GetInt(flagPollAttempts)
	cfg.PollInterval = v.GetDuration(flagPollInterval)
	cfg.RefundGrace = v.GetDuration(flagRefundGrace)
	return nil
}
