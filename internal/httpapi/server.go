// Package httpapi exposes the wallet, checkout, order, webhook and admin endpoints over gin.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/internal/metrics"
	"github.com/MarkoPoloResearchLab/smsverify/internal/webhook"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey   = "auth_claims"
	shutdownTimeout    = 10 * time.Second
	defaultHistorySize = 20
)

// WalletService is the wallet ledger as used over HTTP.
type WalletService interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error)
	ReconcileUser(ctx context.Context, userID ledger.UserID) (ledger.ReconcileReport, error)
	ReconcileAll(ctx context.Context) (ledger.ReconcileReport, error)
}

// CheckoutService creates and reads orders on behalf of users.
type CheckoutService interface {
	Pricing(ctx context.Context) ([]fulfillment.PriceListing, error)
	Quote(ctx context.Context, serviceID string, countryID string) (fulfillment.Quote, error)
	Begin(ctx context.Context, request fulfillment.BeginRequest) (fulfillment.BeginResult, error)
	PayWithWallet(ctx context.Context, request fulfillment.BeginRequest) (fulfillment.Settlement, error)
	FundWallet(ctx context.Context, request fulfillment.FundRequest) (fulfillment.Charge, error)
	Cancel(ctx context.Context, userID string, orderID string) (fulfillment.Order, error)
	OrderDetail(ctx context.Context, userID string, orderID string) (fulfillment.Order, *fulfillment.Verification, error)
	Orders(ctx context.Context, userID string, limit int) ([]fulfillment.Order, error)
}

// SyncService reconciles orders with the provider.
type SyncService interface {
	SyncAll(ctx context.Context) (fulfillment.SyncReport, error)
	SyncUser(ctx context.Context, userID string) (fulfillment.SyncReport, error)
	SyncOrder(ctx context.Context, orderID string) (fulfillment.Order, error)
	PollOrder(ctx context.Context, orderID string) (fulfillment.Order, error)
}

// RefundService compensates debits that never produced a number.
type RefundService interface {
	RefundStuckOrders(ctx context.Context, userID string) (fulfillment.RefundReport, error)
}

// WebhookProcessor applies raw gateway deliveries.
type WebhookProcessor interface {
	Process(ctx context.Context, body []byte, signature string) (webhook.Result, error)
}

// Subscriptions streams change events to a user's connection.
type Subscriptions interface {
	Serve(writer http.ResponseWriter, request *http.Request, userID string) error
}

// Dependencies are the services behind the routes.
type Dependencies struct {
	Wallet        WalletService
	Checkout      CheckoutService
	Sync          SyncService
	Refunds       RefundService
	Webhooks      WebhookProcessor
	Subscriptions Subscriptions
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *zap.Logger
}

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	AllowedOrigins []string
	AdminToken     string
	RequestTimeout time.Duration
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig, deps Dependencies, validator *sessionvalidator.Validator) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	handler := &httpHandler{deps: deps, logger: deps.Logger, timeout: cfg.RequestTimeout}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.POST("/webhooks/paystack", handler.handlePaystackWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/session", handler.handleSession)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/wallet/fund", handler.handleFundWallet)
	api.GET("/pricing", handler.handlePricing)
	api.GET("/quote", handler.handleQuote)
	api.GET("/orders", handler.handleListOrders)
	api.POST("/orders", handler.handleCreateOrder)
	api.GET("/orders/:id", handler.handleOrderDetail)
	api.POST("/orders/:id/cancel", handler.handleCancelOrder)
	api.POST("/orders/:id/sync", handler.handleSyncOrder)
	api.POST("/orders/:id/poll", handler.handlePollOrder)
	api.POST("/sync", handler.handleSyncUser)
	api.GET("/subscribe", handler.handleSubscribe)

	admin := router.Group("/admin")
	admin.Use(adminTokenMiddleware(cfg.AdminToken))
	admin.POST("/reconcile", handler.handleAdminReconcile)
	admin.POST("/refunds", handler.handleAdminRefunds)
	admin.POST("/sync", handler.handleAdminSync)

	return router
}

// Serve runs handler on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("smsverifyd listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func adminTokenMiddleware(token string) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(token))
	return func(ctx *gin.Context) {
		presented := strings.TrimSpace(strings.TrimPrefix(ctx.GetHeader("Authorization"), "Bearer "))
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "admin token required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
