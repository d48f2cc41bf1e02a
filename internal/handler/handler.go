package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/node"
	"github.com/lizcirble/shakabackend/internal/service"
	"github.com/lizcirble/shakabackend/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler holds the marketplace HTTP/WS endpoint handlers.
type Handler struct {
	tasks    *service.TaskService
	review   *service.ReviewService
	hub      *ws.Hub             // nil when split processing is disabled
	nodeAuth *node.Authenticator // nil when split processing is disabled
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the handler set.
func NewHandler(tasks *service.TaskService, review *service.ReviewService, hub *ws.Hub, nodeAuth *node.Authenticator, logger logging.Logger) *Handler {
	return &Handler{
		tasks:    tasks,
		review:   review,
		hub:      hub,
		nodeAuth: nodeAuth,
		logger:   logger.With("component", "handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the Gin engine. required guards
// every business endpoint; optional lets task creation run anonymously.
func (h *Handler) RegisterRoutes(r *gin.Engine, required, optional gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ── WebSocket for processing nodes (uses its own node token auth) ──
	r.GET("/ws", h.WebSocket)

	// ── Task creation accepts anonymous callers ──
	r.POST("/api/v1/tasks", optional, h.CreateTask)

	// ── Protected business endpoints ──
	api := r.Group("/api/v1", required)
	{
		api.GET("/tasks", h.ListTasks)
		api.POST("/tasks/assign", h.AssignTask)
		api.GET("/tasks/:id", h.GetTask)
		api.POST("/tasks/:id/fund", h.FundTask)
		api.GET("/tasks/:id/candidates", h.Candidates)
		api.GET("/tasks/:id/escrow", h.EscrowHistory)

		api.GET("/submissions/:id", h.GetSubmission)
		api.POST("/submissions/:id/submit", h.SubmitWork)
		api.POST("/submissions/:id/approve", h.Approve)
		api.POST("/submissions/:id/reject", h.Reject)
		api.POST("/submissions/:id/evaluate", h.Evaluate)
	}
}

// respondError writes the public form of err with its mapped status.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.PublicMessage(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// queryInt reads an integer query parameter, falling back on absence or
// garbage.
func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// ─────────────────────────────────────────────
// GET /ws  (processing node WebSocket)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and registers the processing node.
// Header: X-Auth-Token: <NodeID>:<Signature>
// Signature is ED25519 signed NodeID (Base64 encoded).
func (h *Handler) WebSocket(c *gin.Context) {
	if h.hub == nil || h.nodeAuth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "split processing not enabled"})
		return
	}

	authToken := c.GetHeader("X-Auth-Token")
	if authToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Auth-Token header required"})
		return
	}

	nodeID, err := h.nodeAuth.VerifyAuthToken(authToken)
	if err != nil {
		h.logger.Warn("node auth failed", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authentication token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "node_id", nodeID, "error", err)
		return
	}

	client := ws.NewClient(nodeID, conn, h.hub)
	client.Run(c.Request.Context())
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	nodes := 0
	if h.hub != nil {
		nodes = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"connected_nodes": nodes,
	})
}
