package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/repository"
	"github.com/lizcirble/shakabackend/internal/service"
)

// AdminHandler handles admin-only endpoints.
type AdminHandler struct {
	userSvc    auth.UserService
	tasks      *service.TaskService
	sweeper    *service.Sweeper
	reconciler *service.Reconciler
	queue      repository.ReconciliationRepository
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(userSvc auth.UserService, tasks *service.TaskService, sweeper *service.Sweeper,
	reconciler *service.Reconciler, queue repository.ReconciliationRepository) *AdminHandler {
	return &AdminHandler{
		userSvc:    userSvc,
		tasks:      tasks,
		sweeper:    sweeper,
		reconciler: reconciler,
		queue:      queue,
	}
}

// RegisterRoutes registers admin routes on the admin group.
func (h *AdminHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/users/:id", h.GetUser)
	admin.PUT("/users/:id/status", h.SetUserStatus)
	admin.POST("/sweep", h.Sweep)
	admin.POST("/reconcile", h.Reconcile)
	admin.GET("/reconciliations", h.OpenReconciliations)
	admin.POST("/reconciliations/:id/retry-payout", h.RetryPayout)
	admin.POST("/split/sync", h.SyncSplitJobs)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id
// ─────────────────────────────────────────────

// GetUser retrieves a user's information by ID (admin-only).
func (h *AdminHandler) GetUser(c *gin.Context) {
	user, err := h.userSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ─────────────────────────────────────────────
// PUT /api/v1/admin/users/:id/status
// ─────────────────────────────────────────────

type SetUserStatusRequest struct {
	Status auth.UserStatus `json:"status" binding:"required,oneof=active banned suspended"`
}

type SetUserStatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SetUserStatus updates a user's account status (admin-only). Banned and
// suspended users cannot authenticate and drop out of worker suggestions.
func (h *AdminHandler) SetUserStatus(c *gin.Context) {
	var req SetUserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.userSvc.SetStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SetUserStatusResponse{
		Success: true,
		Message: "status updated to " + string(req.Status),
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/sweep
// POST /api/v1/admin/reconcile
// POST /api/v1/admin/split/sync
// ─────────────────────────────────────────────

// Sweep runs the expired-reservation sweep now.
func (h *AdminHandler) Sweep(c *gin.Context) {
	n, err := h.sweeper.CheckExpiredSubmissions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// Reconcile runs one reconciler pass now.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	rep, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// SyncSplitJobs polls in-flight split jobs now.
func (h *AdminHandler) SyncSplitJobs(c *gin.Context) {
	n, err := h.tasks.SyncSplitJobs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/reconciliations
// ─────────────────────────────────────────────

// OpenReconciliations lists repairs still waiting, oldest first.
func (h *AdminHandler) OpenReconciliations(c *gin.Context) {
	open, err := h.queue.ListOpen(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliations": open})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/reconciliations/:id/retry-payout
// ─────────────────────────────────────────────

// RetryPayout reissues a failed payout and finishes the approval it
// belongs to.
func (h *AdminHandler) RetryPayout(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reconciliation id"})
		return
	}
	rec, err := h.reconciler.RetryPayout(c.Request.Context(), uint(id))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
