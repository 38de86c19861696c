// Package app assembles the smsverify components from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/internal/config"
	"github.com/MarkoPoloResearchLab/smsverify/internal/exchange"
	"github.com/MarkoPoloResearchLab/smsverify/internal/gateway/paystack"
	"github.com/MarkoPoloResearchLab/smsverify/internal/httpapi"
	"github.com/MarkoPoloResearchLab/smsverify/internal/metrics"
	"github.com/MarkoPoloResearchLab/smsverify/internal/provider/smspool"
	"github.com/MarkoPoloResearchLab/smsverify/internal/realtime"
	"github.com/MarkoPoloResearchLab/smsverify/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/smsverify/internal/webhook"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/retry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Core holds what both the HTTP server and the reconciler run on.
type Core struct {
	Database     *gormstore.Database
	Wallet       *ledger.Service
	Orders       *gormstore.OrderStore
	Provider     *metrics.InstrumentedProvider
	Orchestrator *fulfillment.Orchestrator
	Synchronizer *fulfillment.Synchronizer
	Refunds      *fulfillment.RefundWorkflow
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
	Logger       *zap.Logger
	// Redis is nil unless a redis URL is configured.
	Redis     *redis.Client
	publisher fulfillment.ChangePublisher
}

// Server adds the payment-facing components to Core.
type Server struct {
	*Core
	Hub      *realtime.Hub
	Rates    *exchange.Rates
	Checkout *fulfillment.Checkout
	Webhooks *webhook.Processor
	changes  *redis.PubSub
}

// NewCore opens and migrates the database and wires the ledger and fulfillment services.
// With a redis URL configured, order changes go to the shared Redis channel; otherwise they go
// to local, which may be nil.
func NewCore(ctx context.Context, cfg config.Config, logger *zap.Logger, local fulfillment.ChangePublisher) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	database, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.Migrate(database.DB); err != nil {
		_ = database.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorSet := metrics.New(registry)

	core := &Core{Database: database, Metrics: collectorSet, Registry: registry, Logger: logger, publisher: local}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := exchange.NewRedisClient(cfg.RedisURL)
		if err != nil {
			_ = database.Close()
			return nil, err
		}
		core.Redis = client
		core.publisher = realtime.NewRedisPublisher(client, realtime.DefaultChannel, logger)
	}
	if err := core.wire(cfg); err != nil {
		_ = core.Close()
		return nil, err
	}
	return core, nil
}

func (core *Core) wire(cfg config.Config) error {
	clock := func() int64 { return time.Now().UTC().Unix() }
	wallet, err := ledger.NewService(gormstore.New(core.Database.DB), clock,
		ledger.WithOperationLogger(metrics.NewOperationRecorder(core.Logger, core.Metrics)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	core.Wallet = wallet
	core.Orders = gormstore.NewOrderStore(core.Database.DB)

	providerOptions := []smspool.ClientOption{}
	if strings.TrimSpace(cfg.SMSPoolBaseURL) != "" {
		providerOptions = append(providerOptions, smspool.WithBaseURL(cfg.SMSPoolBaseURL))
	}
	provider, err := smspool.NewClient(cfg.SMSPoolAPIKey, providerOptions...)
	if err != nil {
		return fmt.Errorf("smspool client init: %w", err)
	}
	core.Provider = metrics.InstrumentProvider(provider, core.Metrics)

	options := []fulfillment.Option{fulfillment.WithLogger(core.Logger)}
	if core.publisher != nil {
		options = append(options, fulfillment.WithPublisher(core.publisher))
	}
	if core.Orchestrator, err = fulfillment.NewOrchestrator(core.Orders, core.Provider, options...); err != nil {
		return err
	}
	core.Synchronizer, err = fulfillment.NewSynchronizer(core.Orders, core.Provider, fulfillment.SynchronizerConfig{
		CheckCoolDown:   cfg.CheckCoolDown,
		FallbackWorkers: cfg.FallbackWorkers,
		Poll: retry.Policy{
			MaxAttempts: cfg.PollAttempts,
			Interval:    cfg.PollInterval,
		},
	}, options...)
	if err != nil {
		return err
	}
	if core.Refunds, err = fulfillment.NewRefundWorkflow(core.Orders, core.Wallet, cfg.RefundGrace, options...); err != nil {
		return err
	}
	return nil
}

// Close releases the redis client and the database.
func (core *Core) Close() error {
	var redisErr error
	if core.Redis != nil {
		redisErr = core.Redis.Close()
	}
	return errors.Join(redisErr, core.Database.Close())
}

// NewServer wires Core together with the payment gateway, the exchange rate cache and
// the live subscription hub. With Redis configured the hub is fed from the shared change
// channel until ctx ends.
func NewServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := realtime.NewHub(logger, allowedOriginChecker(cfg.AllowedOrigins))
	core, err := NewCore(ctx, cfg, logger, hub)
	if err != nil {
		return nil, err
	}
	server := &Server{Core: core, Hub: hub}
	if core.Redis != nil {
		if server.changes, err = hub.Listen(ctx, core.Redis, realtime.DefaultChannel); err != nil {
			_ = server.Close()
			return nil, err
		}
	}
	if err := server.wire(cfg); err != nil {
		_ = server.Close()
		return nil, err
	}
	return server, nil
}

func (server *Server) wire(cfg config.Config) error {
	rateOptions := []exchange.RatesOption{exchange.WithLogger(server.Logger), exchange.WithTTL(cfg.RateTTL)}
	fallback, err := cfg.FallbackRate()
	if err != nil {
		return err
	}
	if fallback.IsPositive() {
		rateOptions = append(rateOptions, exchange.WithFallbackRate(fallback))
	}
	if server.Redis != nil {
		rateOptions = append(rateOptions, exchange.WithSharedStore(exchange.NewRedisStore(server.Redis, 4*cfg.RateTTL)))
	}
	source := exchange.NewHTTPSource(cfg.RateURL, nil)
	if server.Rates, err = exchange.NewRates(source.Fetch, rateOptions...); err != nil {
		return err
	}

	gatewayOptions := []paystack.ClientOption{}
	if strings.TrimSpace(cfg.PaystackBaseURL) != "" {
		gatewayOptions = append(gatewayOptions, paystack.WithBaseURL(cfg.PaystackBaseURL))
	}
	gateway, err := paystack.NewClient(cfg.PaystackSecretKey, gatewayOptions...)
	if err != nil {
		return err
	}

	markup, err := cfg.MarkupDecimal()
	if err != nil {
		return err
	}
	server.Checkout, err = fulfillment.NewCheckout(server.Orders, server.Provider, server.Rates, gateway, server.Wallet, server.Orchestrator, fulfillment.CheckoutConfig{
		Markup:              markup,
		CallbackURL:         cfg.PaystackCallbackURL,
		MinimumFundingMinor: cfg.MinimumFundingMinor,
	}, fulfillment.WithLogger(server.Logger), fulfillment.WithPublisher(server.publisher))
	if err != nil {
		return err
	}
	server.Webhooks, err = webhook.NewProcessor(cfg.PaystackSecretKey, server.Orchestrator, server.Wallet, server.Orders, webhook.WithLogger(server.Logger))
	return err
}

// Router builds the HTTP handler.
func (server *Server) Router(cfg config.Config) (*gin.Engine, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return httpapi.NewRouter(httpapi.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		AdminToken:     cfg.AdminToken,
		RequestTimeout: cfg.RequestTimeout,
	}, httpapi.Dependencies{
		Wallet:        server.Wallet,
		Checkout:      server.Checkout,
		Sync:          server.Synchronizer,
		Refunds:       server.Refunds,
		Webhooks:      server.Webhooks,
		Subscriptions: server.Hub,
		Metrics:       server.Metrics,
		Gatherer:      server.Registry,
		Logger:        server.Logger,
	}, validator), nil
}

// Close stops the change subscription and releases Core.
func (server *Server) Close() error {
	var changesErr error
	if server.changes != nil {
		changesErr = server.changes.Close()
	}
	return errors.Join(changesErr, server.Core.Close())
}

// allowedOriginChecker accepts websocket upgrades from the configured CORS origins.
func allowedOriginChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(parsed.Host, request.Host) {
			return true
		}
		_, ok := allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
		return ok
	}
}
