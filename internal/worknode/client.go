package worknode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/model"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1 << 20
	sendBufferSize    = 64
	maxBackoffShift   = 4
	defaultReconnect  = 2 * time.Second
	maxReconnectDelay = time.Minute
)

var errNotConnected = errors.New("not connected")

// Handler receives the server's job messages.
type Handler interface {
	OnJobAnnouncement(ctx context.Context, ann *model.JobAnnouncement)
	OnJobAssigned(ctx context.Context, job *model.JobAssignment)
	OnJobGone(ctx context.Context, jobID string)
	OnRejected(ctx context.Context, perr *model.ProtocolError)
	OnConnected()
	OnDisconnected()
}

// Client keeps one WebSocket session to the marketplace server open,
// reconnecting with exponential backoff until its context ends.
type Client struct {
	serverURL      string
	authToken      string
	handler        Handler
	logger         logging.Logger
	parentCtx      context.Context
	reconnectDelay time.Duration

	mu            sync.Mutex
	conn          *websocket.Conn
	send          chan []byte
	connCancel    context.CancelFunc
	stopReconnect context.CancelFunc
	attempts      int
}

// NewClient creates a client. authToken is the "NodeID:Signature" token
// issued by the operator.
func NewClient(ctx context.Context, serverURL, authToken string, handler Handler, logger logging.Logger) *Client {
	return &Client{
		serverURL:      serverURL,
		authToken:      authToken,
		handler:        handler,
		logger:         logger.With("component", "ws-client"),
		parentCtx:      ctx,
		reconnectDelay: defaultReconnect,
	}
}

// Connect dials the server once. Later disconnects reconnect on their own.
func (c *Client) Connect() error {
	header := http.Header{}
	header.Set("X-Auth-Token", c.authToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(c.parentCtx, c.serverURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.serverURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.serverURL, err)
	}

	connCtx, connCancel := context.WithCancel(c.parentCtx)
	send := make(chan []byte, sendBufferSize)

	c.mu.Lock()
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	c.conn = conn
	c.send = send
	c.connCancel = connCancel
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.serverURL)
	c.handler.OnConnected()

	var once sync.Once
	onDisconnect := func() {
		once.Do(func() { c.dropped(conn, connCancel) })
	}
	go c.readPump(connCtx, conn, onDisconnect)
	go c.writePump(connCtx, conn, send, onDisconnect)
	return nil
}

// dropped tears down one connection and schedules a reconnect if it was
// the live one and the client is still running.
func (c *Client) dropped(conn *websocket.Conn, cancel context.CancelFunc) {
	cancel()
	_ = conn.Close()

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.send = nil
	}
	reconnect := current && c.parentCtx.Err() == nil
	var ctx context.Context
	if reconnect {
		ctx, c.stopReconnect = context.WithCancel(c.parentCtx)
	}
	c.mu.Unlock()

	if current {
		c.logger.Warn("disconnected")
		c.handler.OnDisconnected()
	}
	if reconnect {
		go c.reconnectLoop(ctx)
	}
}

// Close ends the session for good.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.send = nil
		return err
	}
	return nil
}

// Connected reports whether a session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendFetchJob asks the server for an announced job.
func (c *Client) SendFetchJob(jobID string) error {
	return c.sendJSON(model.Envelope{
		Type:    model.MsgTypeFetchJob,
		Payload: model.FetchJobRequest{JobID: jobID},
	})
}

// SendJobResult reports a processed job. The server stamps the node id.
func (c *Client) SendJobResult(res *model.JobResult) error {
	return c.sendJSON(model.Envelope{Type: model.MsgTypeJobResult, Payload: res})
}

func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return errNotConnected
	}

	select {
	case send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// ─────────────────────────────────────────────
// Pumps
// ─────────────────────────────────────────────

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, onDisconnect func()) {
	defer onDisconnect()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		// The server may batch several frames separated by newlines.
		for _, frame := range bytes.Split(message, []byte("\n")) {
			if len(bytes.TrimSpace(frame)) > 0 {
				c.dispatch(ctx, frame)
			}
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, onDisconnect func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		onDisconnect()
	}()

	for {
		select {
		case message := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		delay := min(c.reconnectDelay*time.Duration(1<<min(attempts-1, maxBackoffShift)), maxReconnectDelay)
		c.logger.Info("reconnecting", "in", delay, "attempt", attempts)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := c.Connect(); err != nil {
			c.logger.Warn("reconnect failed", "error", err)
			continue
		}
		return
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var env struct {
		Type    model.MsgType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("invalid message", "error", err)
		return
	}

	switch env.Type {
	case model.MsgTypeJobAnnouncement:
		var ann model.JobAnnouncement
		if err := json.Unmarshal(env.Payload, &ann); err != nil {
			c.logger.Warn("bad JOB_ANNOUNCEMENT payload", "error", err)
			return
		}
		c.handler.OnJobAnnouncement(ctx, &ann)

	case model.MsgTypeJobAssigned:
		var job model.JobAssignment
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			c.logger.Warn("bad JOB_ASSIGNED payload", "error", err)
			return
		}
		c.handler.OnJobAssigned(ctx, &job)

	case model.MsgTypeJobGone:
		var gone struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(env.Payload, &gone); err != nil {
			c.logger.Warn("bad JOB_GONE payload", "error", err)
			return
		}
		c.handler.OnJobGone(ctx, gone.JobID)

	case model.MsgTypeError:
		var perr model.ProtocolError
		if err := json.Unmarshal(env.Payload, &perr); err != nil {
			c.logger.Warn("bad ERROR payload", "error", err)
			return
		}
		c.handler.OnRejected(ctx, &perr)

	default:
		c.logger.Warn("unknown message type", "type", env.Type)
	}
}
