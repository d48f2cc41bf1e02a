package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/model"
)

// JobBroker is the part of the split-processing scheduler the hub drives.
type JobBroker interface {
	FetchJob(ctx context.Context, jobID, nodeID string) (*model.JobAssignment, error)
	CompleteJob(ctx context.Context, res *model.JobResult) error
}

// ─────────────────────────────────────────────
// Hub: manages all connected processing nodes
// ─────────────────────────────────────────────

// Hub maintains the set of active WebSocket clients and
// broadcasts job announcements to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // nodeID → Client
	broker  JobBroker
	logger  logging.Logger
}

// NewHub creates a new Hub.
func NewHub(broker JobBroker, logger logging.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		broker:  broker,
		logger:  logger.With("component", "hub"),
	}
}

// Register adds a client to the hub. A reconnecting node replaces its old connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if old, ok := h.clients[c.NodeID]; ok && old != c {
		close(old.send)
	}
	h.clients[c.NodeID] = c
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedNodes.Set(float64(n))
	h.logger.Info("node connected", "node_id", c.NodeID, "total", n)
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.NodeID]; ok && cur == c {
		delete(h.clients, c.NodeID)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedNodes.Set(float64(n))
	h.logger.Info("node disconnected", "node_id", c.NodeID, "total", n)
}

// ClientCount returns the number of connected nodes.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastJobAnnouncement sends a job announcement to all connected nodes.
func (h *Hub) BroadcastJobAnnouncement(_ context.Context, ann *model.JobAnnouncement) {
	data, err := json.Marshal(model.Envelope{
		Type:    model.MsgTypeJobAnnouncement,
		Payload: ann,
	})
	if err != nil {
		h.logger.Error("marshal announcement", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.deliver(model.MsgTypeJobAnnouncement, data) {
			h.logger.Warn("send buffer full, dropping announcement", "node_id", c.NodeID)
		}
	}
	h.logger.Debug("broadcast JOB_ANNOUNCEMENT", "job_id", ann.JobID, "nodes", len(h.clients))
}

// HandleFetchJob processes a FETCH_JOB request from a node.
func (h *Hub) HandleFetchJob(ctx context.Context, c *Client, req *model.FetchJobRequest) {
	assignment, err := h.broker.FetchJob(ctx, req.JobID, c.NodeID)
	if err != nil {
		h.logger.Error("fetch job", "job_id", req.JobID, "node_id", c.NodeID, "error", err)
		return
	}

	env := model.Envelope{Type: model.MsgTypeJobAssigned, Payload: assignment}
	if assignment == nil {
		env = model.Envelope{
			Type:    model.MsgTypeJobGone,
			Payload: map[string]string{"job_id": req.JobID},
		}
	}
	h.sendTo(c, env)
}

// HandleJobResult processes a JOB_RESULT report from a node.
func (h *Hub) HandleJobResult(ctx context.Context, c *Client, res *model.JobResult) {
	h.logger.Info("received job result", "job_id", res.JobID, "node_id", c.NodeID, "success", res.Success)

	if err := h.broker.CompleteJob(ctx, res); err != nil {
		h.logger.Warn("complete job", "job_id", res.JobID, "error", err)
	}
}

func (h *Hub) sendTo(c *Client, env model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal response", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if cur, ok := h.clients[c.NodeID]; !ok || cur != c {
		return
	}
	if !c.deliver(env.Type, data) {
		h.logger.Warn("send buffer full", "node_id", c.NodeID, "type", env.Type)
	}
}
