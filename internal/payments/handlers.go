package payments

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/duelpoint/duelpoint/internal/ledger"
)

// maxWebhookBody bounds Stripe webhook payloads.
const maxWebhookBody = 64 * 1024

// Handler provides HTTP endpoints for deposits and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up auth-required payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/deposit", h.Deposit)
	r.POST("/payments/withdraw", h.Withdraw)
	r.GET("/payments", h.History)
}

// RegisterWebhookRoutes sets up the Stripe webhook endpoint. Stripe signs
// the payload; the route itself carries no API-key auth.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// AmountRequest carries an amount in platform units (cents).
type AmountRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// Deposit handles POST /v1/payments/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": err.Error(),
		})
		return
	}

	payment, clientSecret, err := h.service.CreateDeposit(c.Request.Context(), c.GetString("authUserID"), req.Amount)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "payment_provider_error", "message": "Failed to start deposit",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment":      payment,
		"clientSecret": clientSecret,
	})
}

// Withdraw handles POST /v1/payments/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": err.Error(),
		})
		return
	}

	payment, err := h.service.Withdraw(c.Request.Context(), c.GetString("authUserID"), req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "insufficient_balance", "message": "Available balance too low",
			})
		case errors.Is(err, ledger.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "not_found", "message": "Account not found",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid_request", "message": "Amount must be positive",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "internal_error", "message": "Withdrawal failed",
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": payment})
}

// History handles GET /v1/payments
func (h *Handler) History(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history, err := h.service.History(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Failed to load payments",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": history, "count": len(history)})
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "Failed to read payload",
		})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid_signature", "message": "Webhook signature verification failed",
			})
		case errors.Is(err, ErrPaymentNotFound):
			// Unknown intent: acknowledge so Stripe stops retrying.
			c.JSON(http.StatusOK, gin.H{"received": true})
		default:
			// Transient failure: non-2xx makes Stripe redeliver.
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "internal_error", "message": "Webhook processing failed",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
