package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer (attachments ride in frames)
	maxMessageSize = 16 * 1024 * 1024
)

var errClientClosed = errors.New("websocket client closed")

// Client is a single WebSocket connection. It implements proxy.Conn so the
// engine can attach it to turn proxies and watcher sets directly.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu          sync.Mutex
	closed      bool
	tabSessions map[string]string // tab id -> session id started from it

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, 256),
		tabSessions: make(map[string]string),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// Send enqueues one frame for delivery. Implements proxy.Conn. A full buffer
// drops the frame rather than blocking a producer; only a closed client
// reports an error so the proxy detaches it.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("client send buffer full, dropping frame")
		return nil
	}
}

// ReadPump reads frames from the connection and dispatches them until the
// peer goes away.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleFrame(ctx, message)
	}
}

// handleFrame routes one incoming frame by its type field.
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("", "invalid frame")
		return
	}
	c.logger.Debug("frame received", zap.String("type", env.Type))

	switch env.Type {
	case ws.TypeChat:
		c.handleChat(ctx, raw)
	case ws.TypeStop:
		c.handleStop(raw)
	case ws.TypeSubscribe:
		c.handleSubscribe(ctx, raw)
	case ws.TypeResumeTask:
		c.handleResumeTask(ctx, raw)
	case ws.TypeAskUserResponse:
		var req ws.AskUserResponse
		if json.Unmarshal(raw, &req) == nil && req.RequestID != "" {
			c.hub.ask.Resolve(req.RequestID, req.Answer)
		}
	case ws.TypeAskUserCancel:
		var req ws.AskUserCancel
		if json.Unmarshal(raw, &req) == nil && req.RequestID != "" {
			c.hub.ask.Cancel(req.RequestID)
		}
	case ws.TypeQueueRemove:
		var req ws.QueueRemoveRequest
		if json.Unmarshal(raw, &req) == nil && req.QueueID != "" {
			if err := c.hub.engine.QueueRemove(ctx, req.QueueID); err != nil {
				c.sendError("", "queued message not found")
			}
		}
	case ws.TypeQueueEdit:
		var req ws.QueueEditRequest
		if json.Unmarshal(raw, &req) == nil && req.QueueID != "" {
			if err := c.hub.engine.QueueEdit(ctx, req.QueueID, req.Text); err != nil {
				c.sendError("", "queued message not found")
			}
		}
	default:
		c.sendError("", "unknown frame type: "+env.Type)
	}
}

func (c *Client) handleChat(ctx context.Context, raw []byte) {
	var req ws.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Text == "" {
		c.sendError(req.TabID, "chat requires text")
		return
	}

	sessionID, err := c.hub.engine.StartChat(ctx, req, c)
	if err != nil {
		c.logger.Error("chat failed", zap.Error(err))
		c.sendError(req.TabID, err.Error())
		return
	}
	if req.TabID != "" {
		c.mu.Lock()
		c.tabSessions[req.TabID] = sessionID
		c.mu.Unlock()
	}
}

func (c *Client) handleStop(raw []byte) {
	var req ws.StopRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	sessionID := req.SessionID
	if sessionID == "" && req.TabID != "" {
		c.mu.Lock()
		sessionID = c.tabSessions[req.TabID]
		c.mu.Unlock()
	}
	if sessionID == "" {
		c.sendError(req.TabID, "nothing to stop")
		return
	}
	c.hub.engine.StopTurn(sessionID)
}

func (c *Client) handleSubscribe(ctx context.Context, raw []byte) {
	var req ws.SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		c.sendError("", "subscribe_session requires sessionId")
		return
	}
	if err := c.hub.engine.Subscribe(ctx, c, req.SessionID, req.NoCatchUp); err != nil {
		c.sendError("", "session not found: "+req.SessionID)
	}
}

func (c *Client) handleResumeTask(ctx context.Context, raw []byte) {
	var req ws.ResumeTaskRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SessionID == "" {
		c.sendError("", "resume_task requires sessionId")
		return
	}
	if err := c.hub.engine.ResumeTask(ctx, c, req.SessionID, req.TabID); err != nil {
		c.sendError(req.TabID, "session not found: "+req.SessionID)
	}
	if req.TabID != "" {
		c.mu.Lock()
		c.tabSessions[req.TabID] = req.SessionID
		c.mu.Unlock()
	}
}

func (c *Client) sendError(tabID, msg string) {
	_ = c.Send(ws.Marshal(ws.ErrorFrame{Type: ws.TypeError, Error: msg, TabID: tabID}))
}

// markClosed flips the closed flag; subsequent Sends fail so proxies detach.
func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// WritePump delivers queued frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
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
				// Hub closed the channel: announce shutdown.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
