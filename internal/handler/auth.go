package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/identity"
)

// AuthHandler exchanges identity-provider sessions for API keys.
type AuthHandler struct {
	userSvc  auth.UserService
	verifier identity.Verifier
}

// NewAuthHandler creates a new AuthHandler. A nil verifier disables
// sign-in; existing API keys keep working.
func NewAuthHandler(userSvc auth.UserService, verifier identity.Verifier) *AuthHandler {
	return &AuthHandler{userSvc: userSvc, verifier: verifier}
}

// RegisterRoutes registers auth routes on the Gin engine.
func (h *AuthHandler) RegisterRoutes(r *gin.Engine) {
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/session", h.Session)
	}
}

// ─────────────────────────────────────────────
// POST /auth/session
// ─────────────────────────────────────────────

type SessionRequest struct {
	AccessToken string `json:"access_token" binding:"required"`
}

type AuthResponse struct {
	User   *auth.User `json:"user"`
	APIKey string     `json:"api_key"`
}

// Session verifies an identity-provider access token, creates or refreshes
// the linked user (payment address included) and returns its API key.
func (h *AuthHandler) Session(c *gin.Context) {
	if h.verifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity sign-in not configured"})
		return
	}

	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := h.verifier.Verify(c.Request.Context(), req.AccessToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
		return
	}

	user, err := h.userSvc.UpsertFromIdentity(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !user.IsActive() {
		c.JSON(http.StatusForbidden, gin.H{"error": "account is " + string(user.Status)})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		User:   user,
		APIKey: user.APIKey,
	})
}
