package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/internal/gateway/paystack"
	"github.com/MarkoPoloResearchLab/smsverify/internal/webhook"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ledger"
	"github.com/MarkoPoloResearchLab/smsverify/pkg/ratecache"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

type httpHandler struct {
	deps    Dependencies
	logger  *zap.Logger
	timeout time.Duration
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

// requireClaims writes 401 and returns nil when the session is missing.
func requireClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claims := getClaims(ctx)
	if claims == nil || strings.TrimSpace(claims.GetUserID()) == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return nil
	}
	return claims
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.deps.Wallet.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions, err := handler.deps.Wallet.ListTransactions(requestCtx, userID, queryLimit(ctx, defaultHistorySize))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet, transactions)})
}

type fundRequest struct {
	AmountMinorUnits int64 `json:"amount_minor_units"`
}

func (handler *httpHandler) handleFundWallet(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request fundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	charge, err := handler.deps.Checkout.FundWallet(requestCtx, fulfillment.FundRequest{
		UserID:      claims.GetUserID(),
		Email:       claims.GetUserEmail(),
		AmountMinor: request.AmountMinorUnits,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"authorization_url": charge.AuthorizationURL,
		"access_code":       charge.AccessCode,
		"reference":         charge.Reference,
	})
}

func (handler *httpHandler) handlePricing(ctx *gin.Context) {
	if requireClaims(ctx) == nil {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	listings, err := handler.deps.Checkout.Pricing(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"pricing": listings})
}

func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	if requireClaims(ctx) == nil {
		return
	}
	serviceID, countryID := strings.TrimSpace(ctx.Query("service_id")), strings.TrimSpace(ctx.Query("country_id"))
	if serviceID == "" || countryID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "service_id and country_id are required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	quote, err := handler.deps.Checkout.Quote(requestCtx, serviceID, countryID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"quote": quote})
}

type createOrderRequest struct {
	ServiceID     string `json:"service_id" binding:"required"`
	CountryID     string `json:"country_id" binding:"required"`
	PaymentMethod string `json:"payment_method"`
}

func (handler *httpHandler) handleCreateOrder(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request createOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "service_id and country_id are required"))
		return
	}
	begin := fulfillment.BeginRequest{
		UserID:    claims.GetUserID(),
		Email:     claims.GetUserEmail(),
		ServiceID: request.ServiceID,
		CountryID: request.CountryID,
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	switch request.PaymentMethod {
	case "", fulfillment.PaymentMethodGateway:
		result, err := handler.deps.Checkout.Begin(requestCtx, begin)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusCreated, gin.H{
			"order":             result.Order,
			"authorization_url": result.AuthorizationURL,
			"access_code":       result.AccessCode,
		})
	case fulfillment.PaymentMethodWallet:
		settlement, err := handler.deps.Checkout.PayWithWallet(requestCtx, begin)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusCreated, gin.H{"order": settlement.Order, "outcome": settlement.Outcome})
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "payment_method must be gateway or wallet"))
	}
}

func (handler *httpHandler) handleListOrders(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	orders, err := handler.deps.Checkout.Orders(requestCtx, claims.GetUserID(), queryLimit(ctx, 0))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (handler *httpHandler) handleOrderDetail(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	order, verification, err := handler.deps.Checkout.OrderDetail(requestCtx, claims.GetUserID(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": order, "verification": verification})
}

func (handler *httpHandler) handleCancelOrder(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	order, err := handler.deps.Checkout.Cancel(requestCtx, claims.GetUserID(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": order})
}

func (handler *httpHandler) handleSyncOrder(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if _, _, err := handler.deps.Checkout.OrderDetail(requestCtx, claims.GetUserID(), ctx.Param("id")); err != nil {
		handler.respondError(ctx, err)
		return
	}
	order, err := handler.deps.Sync.SyncOrder(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithOrderDetail(ctx, claims.GetUserID(), order, false)
}

// handlePollOrder blocks until the order settles or the attempt budget runs out. The poll is
// not bound to the request timeout.
func (handler *httpHandler) handlePollOrder(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	detailCtx, cancel := handler.requestContext(ctx)
	_, _, err := handler.deps.Checkout.OrderDetail(detailCtx, claims.GetUserID(), ctx.Param("id"))
	cancel()
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	order, err := handler.deps.Sync.PollOrder(ctx.Request.Context(), ctx.Param("id"))
	timedOut := errors.Is(err, fulfillment.ErrPollTimeout)
	if err != nil && !timedOut {
		handler.respondError(ctx, err)
		return
	}
	handler.respondWithOrderDetail(ctx, claims.GetUserID(), order, timedOut)
}

func (handler *httpHandler) respondWithOrderDetail(ctx *gin.Context, userID string, order fulfillment.Order, timedOut bool) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	latest, verification, err := handler.deps.Checkout.OrderDetail(requestCtx, userID, order.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": latest, "verification": verification, "timed_out": timedOut})
}

func (handler *httpHandler) handleSyncUser(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.deps.Sync.SyncUser(requestCtx, claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.observeSync(report)
	ctx.JSON(http.StatusOK, gin.H{"report": report})
}

func (handler *httpHandler) handleSubscribe(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	if handler.deps.Subscriptions == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "subscriptions disabled"))
		return
	}
	if err := handler.deps.Subscriptions.Serve(ctx.Writer, ctx.Request, claims.GetUserID()); err != nil {
		handler.logger.Warn("subscription upgrade failed", zap.String("user_id", claims.GetUserID()), zap.Error(err))
	}
}

func (handler *httpHandler) handlePaystackWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_body", "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.deps.Webhooks.Process(requestCtx, body, paystack.SignatureFromHeader(ctx.Request.Header))
	if err != nil {
		status, code, message := classifyWebhookError(err)
		handler.observeWebhook(code)
		if status >= http.StatusInternalServerError {
			handler.logger.Error("webhook processing failed", zap.Error(err))
		}
		ctx.JSON(status, errorResponse(code, message))
		return
	}
	handler.observeWebhook(result.Outcome)
	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": result.Outcome})
}

type adminScopeRequest struct {
	UserID string `json:"user_id"`
}

func bindAdminScope(ctx *gin.Context) (string, bool) {
	var request adminScopeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return "", false
	}
	return strings.TrimSpace(request.UserID), true
}

func (handler *httpHandler) handleAdminReconcile(ctx *gin.Context) {
	userID, ok := bindAdminScope(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var (
		report ledger.ReconcileReport
		err    error
	)
	if userID == "" {
		report, err = handler.deps.Wallet.ReconcileAll(requestCtx)
	} else {
		var ledgerUser ledger.UserID
		ledgerUser, err = ledger.NewUserID(userID)
		if err == nil {
			report, err = handler.deps.Wallet.ReconcileUser(requestCtx, ledgerUser)
		}
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": newReconcilePayload(report)})
}

func (handler *httpHandler) handleAdminRefunds(ctx *gin.Context) {
	userID, ok := bindAdminScope(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.deps.Refunds.RefundStuckOrders(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if handler.deps.Metrics != nil {
		handler.deps.Metrics.ObserveRefunds(report)
	}
	ctx.JSON(http.StatusOK, gin.H{"report": report})
}

func (handler *httpHandler) handleAdminSync(ctx *gin.Context) {
	userID, ok := bindAdminScope(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var (
		report fulfillment.SyncReport
		err    error
	)
	if userID == "" {
		report, err = handler.deps.Sync.SyncAll(requestCtx)
	} else {
		report, err = handler.deps.Sync.SyncUser(requestCtx, userID)
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.observeSync(report)
	ctx.JSON(http.StatusOK, gin.H{"report": report})
}

func (handler *httpHandler) observeSync(report fulfillment.SyncReport) {
	if handler.deps.Metrics != nil {
		handler.deps.Metrics.ObserveSync(report)
	}
}

func (handler *httpHandler) observeWebhook(outcome string) {
	if handler.deps.Metrics != nil {
		handler.deps.Metrics.ObserveWebhook(outcome)
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

// classifyWebhookError answers 500 to everything but a bad signature or body so the gateway
// redelivers; an unknown payment reference is retried the same way.
func classifyWebhookError(err error) (int, string, string) {
	switch {
	case errors.Is(err, webhook.ErrUnauthorized), errors.Is(err, webhook.ErrMalformedEvent):
		return classifyError(err)
	default:
		return http.StatusInternalServerError, "internal_error", "delivery not applied"
	}
}

// classifyError maps domain errors onto HTTP status and stable error codes.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, webhook.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid_signature", "signature verification failed"
	case errors.Is(err, webhook.ErrMalformedEvent):
		return http.StatusBadRequest, "invalid_event", err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds", "wallet balance is too low"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidUserID), errors.Is(err, ledger.ErrInvalidReference):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, fulfillment.ErrOrderNotFound), errors.Is(err, fulfillment.ErrNotOrderOwner):
		return http.StatusNotFound, "order_not_found", "order not found"
	case errors.Is(err, fulfillment.ErrUnknownListing):
		return http.StatusNotFound, "unknown_listing", err.Error()
	case errors.Is(err, fulfillment.ErrBelowMinimumFunding), errors.Is(err, fulfillment.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, fulfillment.ErrInvalidTransition), errors.Is(err, fulfillment.ErrConcurrentUpdate), errors.Is(err, fulfillment.ErrDuplicatePaymentReference):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, fulfillment.ErrProvider):
		return http.StatusBadGateway, "provider_error", "sms provider unavailable"
	case errors.Is(err, paystack.ErrGateway):
		return http.StatusBadGateway, "gateway_error", "payment gateway unavailable"
	case errors.Is(err, ratecache.ErrUnavailable):
		return http.StatusServiceUnavailable, "rate_unavailable", "exchange rate unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "request failed"
	}
}

func queryLimit(ctx *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(ctx.Query("limit"))
	if err != nil || limit <= 0 || limit > 200 {
		return fallback
	}
	return limit
}
