package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	appctx "github.com/lizcirble/shakabackend/internal/context"
	"github.com/lizcirble/shakabackend/internal/model"
)

// ─────────────────────────────────────────────
// POST /api/v1/tasks
// ─────────────────────────────────────────────

// CreateTask prices a task, persists it as DRAFT and registers it on the
// escrow ledger. Unauthenticated callers create anonymous tasks under the
// anonymous tier limits.
func (h *Handler) CreateTask(c *gin.Context) {
	var req model.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), &req, appctx.OptionalUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// ─────────────────────────────────────────────
// GET /api/v1/tasks
// ─────────────────────────────────────────────

type TaskListResponse struct {
	Tasks []model.Task `json:"tasks"`
	Total int64        `json:"total"`
}

// ListTasks lists tasks, newest first. Query: status, category,
// creator ("me" for the caller), limit, offset.
func (h *Handler) ListTasks(c *gin.Context) {
	f := model.TaskFilter{
		Status:    model.TaskStatus(c.Query("status")),
		Category:  model.Category(c.Query("category")),
		CreatorID: c.Query("creator"),
		Limit:     queryInt(c, "limit", 20),
		Offset:    queryInt(c, "offset", 0),
	}
	if f.CreatorID == "me" {
		f.CreatorID = appctx.GetUserID(c)
	}

	tasks, total, err := h.tasks.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Total: total})
}

// ─────────────────────────────────────────────
// GET /api/v1/tasks/:id
// ─────────────────────────────────────────────

func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks/:id/fund
// ─────────────────────────────────────────────

// FundTask deposits the task's total cost into escrow. Creator only.
func (h *Handler) FundTask(c *gin.Context) {
	task, err := h.tasks.Fund(c.Request.Context(), c.Param("id"), appctx.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ─────────────────────────────────────────────
// POST /api/v1/tasks/assign
// ─────────────────────────────────────────────

// AssignTask reserves a slot on the oldest open task for the caller.
func (h *Handler) AssignTask(c *gin.Context) {
	resp, err := h.tasks.Assign(c.Request.Context(), appctx.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// GET /api/v1/tasks/:id/candidates
// ─────────────────────────────────────────────

// Candidates suggests workers for the caller's task. Query: n.
func (h *Handler) Candidates(c *gin.Context) {
	users, err := h.tasks.Candidates(c.Request.Context(), c.Param("id"), appctx.GetUserID(c), queryInt(c, "n", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": publicUsers(users)})
}

// ─────────────────────────────────────────────
// GET /api/v1/tasks/:id/escrow
// ─────────────────────────────────────────────

// EscrowHistory returns the task's mirrored ledger transactions.
func (h *Handler) EscrowHistory(c *gin.Context) {
	entries, err := h.tasks.EscrowHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}
