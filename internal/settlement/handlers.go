package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duelpoint/duelpoint/internal/challenge"
	"github.com/duelpoint/duelpoint/internal/ledger"
	"github.com/duelpoint/duelpoint/internal/validation"
)

// Handler provides HTTP endpoints for the challenge lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up challenge routes. All routes require authentication;
// the caller identity comes from the auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/challenges", h.Create)
	r.GET("/challenges", h.List)
	r.GET("/challenges/:id", h.Get)
	r.GET("/challenges/:id/escrow", h.GetEscrow)
	r.POST("/challenges/:id/accept", h.Accept)
	r.POST("/challenges/:id/proof", h.SubmitProof)
	r.POST("/challenges/:id/dispute", h.Dispute)
	r.POST("/challenges/:id/resolve", h.Resolve)
	r.POST("/challenges/:id/cancel", h.Cancel)
}

// CreateRequest is the payload for opening a challenge.
type CreateRequest struct {
	Title         string `json:"title" binding:"required,max=200"`
	Description   string `json:"description" binding:"max=2000"`
	Stake         int64  `json:"stake" binding:"required,gt=0"`
	TimeLimitSecs int64  `json:"timeLimitSecs" binding:"gte=0"`
}

// Create handles POST /v1/challenges
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	ch, err := h.service.CreateChallenge(c.Request.Context(), CreateParams{
		CreatorID:   c.GetString("authUserID"),
		Title:       req.Title,
		Description: req.Description,
		Stake:       req.Stake,
		TimeLimit:   time.Duration(req.TimeLimitSecs) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"challenge": ch})
}

// List handles GET /v1/challenges
func (h *Handler) List(c *gin.Context) {
	filter := ListFilter{
		Status:      challenge.Status(c.Query("status")),
		Participant: c.Query("participant"),
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	challenges, err := h.service.ListChallenges(c.Request.Context(), filter, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenges": challenges, "count": len(challenges)})
}

// Get handles GET /v1/challenges/:id
func (h *Handler) Get(c *gin.Context) {
	ch, err := h.service.GetChallenge(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": ch})
}

// GetEscrow handles GET /v1/challenges/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	ch, err := h.service.GetChallenge(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	esc, err := h.service.GetEscrow(c.Request.Context(), ch.EscrowID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// Accept handles POST /v1/challenges/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	ch, err := h.service.AcceptChallenge(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": ch})
}

// ProofRequest is the payload for submitting proof of the outcome.
type ProofRequest struct {
	Content string `json:"content" binding:"required"`
}

// SubmitProof handles POST /v1/challenges/:id/proof
func (h *Handler) SubmitProof(c *gin.Context) {
	var req ProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if len(req.Content) > validation.MaxProofLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Proof content too long",
		})
		return
	}

	ch, err := h.service.SubmitProof(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": ch})
}

// DisputeRequest is the payload for raising a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/challenges/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if len(req.Reason) > validation.MaxReasonLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Dispute reason too long",
		})
		return
	}

	ch, err := h.service.DisputeChallenge(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": ch})
}

// ResolveRequest names the winner.
type ResolveRequest struct {
	WinnerID string `json:"winnerId" binding:"required"`
}

// Resolve handles POST /v1/challenges/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.ResolveChallenge(
		c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.WinnerID, false, "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challenge": result.Challenge,
		"payout":    result.Payout,
		"fee":       result.Fee,
	})
}

// Cancel handles POST /v1/challenges/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	result, err := h.service.CancelChallenge(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challenge": result.Challenge,
		"refund":    result.CreatorRefund,
	})
}

// writeError maps settlement errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, challenge.ErrChallengeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not_found", "message": "Challenge not found",
		})
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not_found", "message": "Escrow not found",
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not_found", "message": "Account not found",
		})
	case errors.Is(err, challenge.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error": "invalid_state", "message": "Challenge state does not allow this operation",
		})
	case errors.Is(err, challenge.ErrDuplicateProof):
		c.JSON(http.StatusConflict, gin.H{
			"error": "duplicate_proof", "message": "Proof already submitted",
		})
	case errors.Is(err, challenge.ErrInvalidWinner):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_winner", "message": "Winner must be a challenge participant",
		})
	case errors.Is(err, challenge.ErrSelfAccept):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "Cannot accept your own challenge",
		})
	case errors.Is(err, challenge.ErrUnauthorized), errors.Is(err, ErrUserBanned):
		c.JSON(http.StatusForbidden, gin.H{
			"error": "forbidden", "message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "insufficient_balance", "message": "Balance too low for this stake",
		})
	case errors.Is(err, ErrStakeOutOfRange), errors.Is(err, challenge.ErrInvalidStake),
		errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_stake", "message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "conflict", "message": "Settlement busy, retry shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Settlement failed",
		})
	}
}
