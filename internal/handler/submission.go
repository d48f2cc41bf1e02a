package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	appctx "github.com/lizcirble/shakabackend/internal/context"
	"github.com/lizcirble/shakabackend/internal/model"
)

// ─────────────────────────────────────────────
// GET /api/v1/submissions/:id
// ─────────────────────────────────────────────

func (h *Handler) GetSubmission(c *gin.Context) {
	sub, err := h.review.GetSubmission(c.Request.Context(), c.Param("id"), appctx.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// ─────────────────────────────────────────────
// POST /api/v1/submissions/:id/submit
// ─────────────────────────────────────────────

// SubmitWork attaches the worker's payload to their reservation.
func (h *Handler) SubmitWork(c *gin.Context) {
	var req model.SubmitWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
		return
	}

	sub, err := h.review.SubmitWork(c.Request.Context(), c.Param("id"), appctx.GetUserID(c), req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// ─────────────────────────────────────────────
// POST /api/v1/submissions/:id/approve
// POST /api/v1/submissions/:id/reject
// ─────────────────────────────────────────────

// Approve pays the worker and counts the slot as resolved. Creator only.
func (h *Handler) Approve(c *gin.Context) {
	sub, err := h.review.Approve(c.Request.Context(), c.Param("id"), appctx.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Reject counts the slot as resolved without payment. Creator only.
func (h *Handler) Reject(c *gin.Context) {
	sub, err := h.review.Reject(c.Request.Context(), c.Param("id"), appctx.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// ─────────────────────────────────────────────
// POST /api/v1/submissions/:id/evaluate
// ─────────────────────────────────────────────

// Evaluate records a peer vote on an AI Evaluation submission.
func (h *Handler) Evaluate(c *gin.Context) {
	var req model.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.review.Evaluate(c.Request.Context(), c.Param("id"), appctx.GetUserID(c), *req.IsCorrect)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}
