package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/duelpoint/duelpoint/internal/validation"
)

// Handler provides HTTP endpoints for registration and key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterPublicRoutes sets up routes that need no auth.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/users/register", h.Register)
}

// RegisterProtectedRoutes sets up key-management routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.POST("/keys", h.CreateKey)
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

// RegisterRequest is the payload for claiming a user ID.
type RegisterRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name"`
}

// Register handles POST /v1/users/register. The raw key is returned once;
// only its hash is stored.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": err.Error(),
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.MaxLength("name", req.Name, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": errs.Error(),
		})
		return
	}

	rawKey, key, err := h.manager.Register(c.Request.Context(), req.UserID, req.Name)
	switch {
	case errors.Is(err, ErrUserIDTaken):
		c.JSON(http.StatusConflict, gin.H{
			"error": "user_exists", "message": "User ID is already registered",
		})
		return
	case errors.Is(err, ErrUserIDReserved):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": "User ID is reserved",
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Failed to issue API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey": rawKey,
		"key":    key,
	})
}

// CreateKey handles POST /v1/keys, issuing an additional key for the caller.
func (h *Handler) CreateKey(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "message": err.Error(),
		})
		return
	}

	caller, _ := GetAPIKey(c)
	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), caller.UserID, req.Name, caller.Admin)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Failed to issue API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey": rawKey,
		"key":    key,
	})
}

// ListKeys handles GET /v1/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), AuthenticatedUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error", "message": "Failed to list keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("keyId"), AuthenticatedUser(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not_found", "message": "API key not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
