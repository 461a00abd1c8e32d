package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/settlement"
	"github.com/duelpoint/duelpoint/internal/validation"
)

// Handler provides admin HTTP endpoints. All routes must be registered behind
// the admin auth middleware.
type Handler struct {
	adjudicator Adjudicator
	accounts    AccountAdmin
}

// NewHandler creates a new admin handler.
func NewHandler(adjudicator Adjudicator, accounts AccountAdmin) *Handler {
	return &Handler{adjudicator: adjudicator, accounts: accounts}
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/challenges/:id/resolve", h.ForceResolve)
	r.POST("/challenges/:id/refund", h.ForceRefund)
	r.POST("/users/:userId/ban", h.BanUser)
	r.POST("/users/:userId/unban", h.UnbanUser)
}

// ListDisputes handles GET /v1/admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	disputes, err := h.adjudicator.ListChallenges(c.Request.Context(), settlement.ListFilter{
		Status: challenge.StatusDisputed,
	}, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Failed to list disputes",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// AdjudicateRequest carries the admin's decision and required reasoning.
type AdjudicateRequest struct {
	WinnerID string `json:"winnerId"`
	Reason   string `json:"reason" binding:"required"`
}

// ForceResolve handles POST /v1/admin/challenges/:id/resolve
func (h *Handler) ForceResolve(c *gin.Context) {
	var req AdjudicateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WinnerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "winnerId and reason are required",
		})
		return
	}
	if len(req.Reason) > validation.MaxReasonLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "Reason too long",
		})
		return
	}

	result, err := h.adjudicator.ResolveChallenge(
		c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.WinnerID, true, req.Reason)
	if err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challenge": result.Challenge,
		"payout":    result.Payout,
		"fee":       result.Fee,
	})
}

// ForceRefund handles POST /v1/admin/challenges/:id/refund
func (h *Handler) ForceRefund(c *gin.Context) {
	var req AdjudicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "reason is required",
		})
		return
	}
	if len(req.Reason) > validation.MaxReasonLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "Reason too long",
		})
		return
	}

	result, err := h.adjudicator.RefundChallenge(
		c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challenge":      result.Challenge,
		"creatorRefund":  result.CreatorRefund,
		"acceptorRefund": result.AcceptorRefund,
	})
}

// BanUser handles POST /v1/admin/users/:userId/ban
func (h *Handler) BanUser(c *gin.Context) {
	h.setBanned(c, true)
}

// UnbanUser handles POST /v1/admin/users/:userId/unban
func (h *Handler) UnbanUser(c *gin.Context) {
	h.setBanned(c, false)
}

// setBanned toggles the ban flag. Banned users cannot create or accept
// challenges; their escrowed funds in in-flight challenges stay put.
func (h *Handler) setBanned(c *gin.Context, banned bool) {
	userID := c.Param("userId")
	if err := h.accounts.SetBanned(c.Request.Context(), userID, banned); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Failed to update ban flag",
		})
		return
	}

	acct, err := h.accounts.GetAccount(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Failed to load account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func writeAdminError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, challenge.ErrChallengeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not_found", "message": "Challenge not found",
		})
	case errors.Is(err, challenge.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error": "invalid_state", "message": "Challenge state does not allow this operation",
		})
	case errors.Is(err, challenge.ErrInvalidWinner):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_winner", "message": "Winner must be a challenge participant",
		})
	case errors.Is(err, settlement.ErrConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "conflict", "message": "Settlement busy, retry shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Adjudication failed",
		})
	}
}
