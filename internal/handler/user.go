package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/auth"
	appctx "github.com/lizcirble/shakabackend/internal/context"
	"github.com/lizcirble/shakabackend/internal/reputation"
	"github.com/lizcirble/shakabackend/internal/service"
)

// UserHandler handles the caller's own account.
type UserHandler struct {
	userSvc    auth.UserService
	review     *service.ReviewService
	reputation reputation.Adjuster
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(userSvc auth.UserService, review *service.ReviewService, rep reputation.Adjuster) *UserHandler {
	return &UserHandler{
		userSvc:    userSvc,
		review:     review,
		reputation: rep,
	}
}

// RegisterRoutes registers user routes on the api group.
func (h *UserHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/me", h.Me)
	api.POST("/me/reset-key", h.ResetAPIKey)
	api.PUT("/me/payment-address", h.SetPaymentAddress)
	api.GET("/me/submissions", h.MySubmissions)
	api.GET("/me/reputation", h.MyReputation)
}

// PublicUser is the view of another user: no key, no email.
type PublicUser struct {
	ID             string `json:"id"`
	Nickname       string `json:"nickname"`
	PaymentAddress string `json:"payment_address"`
	Reputation     int    `json:"reputation"`
}

func publicUsers(users []auth.User) []PublicUser {
	out := make([]PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, PublicUser{
			ID:             u.ID,
			Nickname:       u.Nickname,
			PaymentAddress: u.PaymentAddress,
			Reputation:     u.Reputation,
		})
	}
	return out
}

// ─────────────────────────────────────────────
// GET /api/v1/me
// ─────────────────────────────────────────────

// Me returns the authenticated user's profile.
func (h *UserHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, appctx.MustGetUser(c))
}

// ─────────────────────────────────────────────
// POST /api/v1/me/reset-key
// ─────────────────────────────────────────────

type ResetKeyResponse struct {
	APIKey string `json:"api_key"`
}

// ResetAPIKey regenerates the user's API key.
func (h *UserHandler) ResetAPIKey(c *gin.Context) {
	user := appctx.MustGetUser(c)

	updatedUser, err := h.userSvc.ResetAPIKey(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ResetKeyResponse{
		APIKey: updatedUser.APIKey,
	})
}

// ─────────────────────────────────────────────
// PUT /api/v1/me/payment-address
// ─────────────────────────────────────────────

type SetPaymentAddressRequest struct {
	Address string `json:"address" binding:"required"`
}

// SetPaymentAddress changes where approved work is paid.
func (h *UserHandler) SetPaymentAddress(c *gin.Context) {
	var req SetPaymentAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.userSvc.SetPaymentAddress(c.Request.Context(), appctx.GetUserID(c), req.Address)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ─────────────────────────────────────────────
// GET /api/v1/me/submissions
// ─────────────────────────────────────────────

func (h *UserHandler) MySubmissions(c *gin.Context) {
	subs, err := h.review.ListMine(c.Request.Context(), appctx.GetUserID(c), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": subs})
}

// ─────────────────────────────────────────────
// GET /api/v1/me/reputation
// ─────────────────────────────────────────────

// MyReputation returns the current score and the latest adjustments.
func (h *UserHandler) MyReputation(c *gin.Context) {
	user := appctx.MustGetUser(c)

	events, err := h.reputation.History(c.Request.Context(), user.ID, queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reputation": user.Reputation,
		"events":     events,
	})
}
