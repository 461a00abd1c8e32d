package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ledger reads.
// All balance mutations go through settlement or payments; the ledger's own
// HTTP surface is read-only.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/leaderboard", h.Leaderboard)
}

// RegisterProtectedRoutes sets up auth-required ledger routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/balance", h.GetBalance)
	r.GET("/users/:userId/history", h.GetHistory)
}

// GetBalance handles GET /v1/users/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")
	if !h.callerOwns(c, userID) {
		return
	}

	acct, err := h.ledger.GetAccount(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /v1/users/:userId/history
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("userId")
	if !h.callerOwns(c, userID) {
		return
	}

	limit := parseLimit(c.Query("limit"), 50, 200)
	entries, next, err := h.ledger.History(c.Request.Context(), userID, limit, c.Query("cursor"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCursor):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is not valid",
			})
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load history",
			})
		}
		return
	}

	resp := gin.H{"entries": entries, "count": len(entries)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Leaderboard handles GET /v1/leaderboard
func (h *Handler) Leaderboard(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 20, 100)
	accounts, err := h.ledger.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load leaderboard",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": accounts})
}

// callerOwns checks the authenticated user matches the :userId param, unless
// the caller carries the admin claim. Writes the error response on failure.
func (h *Handler) callerOwns(c *gin.Context, userID string) bool {
	if c.GetBool("authIsAdmin") {
		return true
	}
	if c.GetString("authUserID") != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You can only view your own account",
		})
		return false
	}
	return true
}

func parseLimit(raw string, def, max int) int {
	limit := def
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}
