package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 1 << 20
	sendBufSize    = 256
)

// Client is the server side of one processing node's session. Frames from
// the node are decoded and routed to the hub; frames the hub cannot use are
// answered with an ERROR frame so the node learns what it got wrong.
type Client struct {
	NodeID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	log    logging.Logger
}

// NewClient wraps an upgraded connection for an authenticated node.
func NewClient(nodeID string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		NodeID: nodeID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufSize),
		log:    hub.logger.With("node_id", nodeID),
	}
}

// Run registers the node and serves it until the connection drops.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	go c.writePump()
	c.readPump(ctx)
	c.hub.Unregister(c)
}

// deliver queues an encoded frame without blocking. The hub calls it under
// its read lock, which keeps send open.
func (c *Client) deliver(typ model.MsgType, data []byte) bool {
	select {
	case c.send <- data:
		metrics.NodeFramesTotal.WithLabelValues("out", string(typ)).Inc()
		return true
	default:
		return false
	}
}

// ─────────────────────────────────────────────
// Inbound frames
// ─────────────────────────────────────────────

type inbound struct {
	Type    model.MsgType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("node read error", "error", err)
			}
			return
		}
		for _, frame := range bytes.Split(message, []byte("\n")) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			if perr := c.handleFrame(ctx, frame); perr != nil {
				c.reject(perr)
			}
		}
	}
}

// handleFrame routes one frame to the hub. The node id in a payload is
// always replaced by the authenticated one.
func (c *Client) handleFrame(ctx context.Context, raw []byte) *model.ProtocolError {
	var env inbound
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.NodeFramesTotal.WithLabelValues("in", "invalid").Inc()
		return &model.ProtocolError{Code: model.ErrCodeBadFrame, Message: err.Error()}
	}
	metrics.NodeFramesTotal.WithLabelValues("in", inboundLabel(env.Type)).Inc()

	switch env.Type {
	case model.MsgTypeFetchJob:
		var req model.FetchJobRequest
		if perr := decodePayload(env, &req); perr != nil {
			return perr
		}
		if req.JobID == "" {
			return missingJobID(env.Type)
		}
		req.NodeID = c.NodeID
		c.hub.HandleFetchJob(ctx, c, &req)

	case model.MsgTypeJobResult:
		var res model.JobResult
		if perr := decodePayload(env, &res); perr != nil {
			return perr
		}
		if res.JobID == "" {
			return missingJobID(env.Type)
		}
		res.NodeID = c.NodeID
		c.hub.HandleJobResult(ctx, c, &res)

	default:
		return &model.ProtocolError{
			Code:    model.ErrCodeUnknownType,
			Message: fmt.Sprintf("nodes cannot send %q frames", env.Type),
			Type:    env.Type,
		}
	}
	return nil
}

// reject answers a dropped frame with an ERROR frame.
func (c *Client) reject(perr *model.ProtocolError) {
	c.log.Warn("frame rejected", "code", perr.Code, "type", perr.Type, "error", perr.Message)
	c.hub.sendTo(c, model.Envelope{Type: model.MsgTypeError, Payload: perr})
}

func decodePayload(env inbound, v any) *model.ProtocolError {
	if len(env.Payload) == 0 {
		return &model.ProtocolError{Code: model.ErrCodeBadPayload, Message: "payload is missing", Type: env.Type}
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &model.ProtocolError{Code: model.ErrCodeBadPayload, Message: err.Error(), Type: env.Type}
	}
	return nil
}

func missingJobID(typ model.MsgType) *model.ProtocolError {
	return &model.ProtocolError{Code: model.ErrCodeMissingJobID, Message: "job_id is required", Type: typ}
}

// inboundLabel keeps the metric's type label bounded to the known set.
func inboundLabel(typ model.MsgType) string {
	switch typ {
	case model.MsgTypeFetchJob, model.MsgTypeJobResult:
		return string(typ)
	}
	return "unknown"
}

// ─────────────────────────────────────────────
// Outbound frames
// ─────────────────────────────────────────────

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub dropped this session.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeBatch(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeBatch sends first plus whatever is already queued as one
// newline-separated message.
func (c *Client) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	_, _ = w.Write(first)
	for i, n := 0, len(c.send); i < n; i++ {
		next, ok := <-c.send
		if !ok {
			break
		}
		_, _ = w.Write([]byte("\n"))
		_, _ = w.Write(next)
	}
	return w.Close()
}
