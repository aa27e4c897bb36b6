package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gateclaw/gateclaw/pkg/approval"
	"github.com/gateclaw/gateclaw/pkg/logger"
)

// Hub fans events out to connected websocket clients. It satisfies both
// the approval broker's and the agent's observer interfaces so a single
// instance wires the whole pipeline to the UI.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	broker *approval.Broker
	onHint func(text string)
}

type client struct {
	conn *websocket.Conn
	send chan Frame
}

const clientSendBuffer = 64

func NewHub(broker *approval.Broker, onHint func(text string)) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		broker:  broker,
		onHint:  onHint,
	}
}

// Attach registers a websocket connection and services it until the
// peer goes away.
func (h *Hub) Attach(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Frame, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) writeLoop(c *client) {
	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			h.detach(c)
			return
		}
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.detach(c)
	for {
		var in inboundFrame
		if err := c.conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case frameApprovalResponse:
			if h.broker != nil {
				h.broker.Resolve(in.ApprovalID, in.Approved, in.TrustMinutes)
			}
		case frameBatchApproval:
			if h.broker != nil {
				h.broker.BatchResolve(in.ApprovalIDs, in.Approved, in.TrustMinutes)
			}
		case frameHumanHint:
			if h.onHint != nil && in.Text != "" {
				h.onHint(in.Text)
			}
		default:
			logger.WarnCF("gateway", "unknown inbound frame", map[string]any{"type": in.Type})
		}
	}
}

// Broadcast sends a frame to every connected client. Slow clients are
// dropped rather than allowed to stall the pipeline.
func (h *Hub) Broadcast(frame Frame) {
	h.mu.RLock()
	var stalled []*client
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stalled {
		h.detach(c)
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// approval.Observer

func (h *Hub) OnApprovalRequest(req approval.Request) {
	deadline := req.Deadline
	h.Broadcast(Frame{
		Type:         frameApprovalRequest,
		ID:           req.ID,
		ToolName:     req.ToolName,
		ServerName:   req.ServerName,
		Description:  req.Description,
		SafetyLevel:  string(req.Level),
		ResourcePath: req.ResourcePath,
		Deadline:     &deadline,
	})
}

func (h *Hub) OnApprovalResolved(id string, approved bool) {
	h.Broadcast(Frame{Type: frameApprovalResolved, ID: id, Approved: &approved})
}

// agent.Observer

func (h *Hub) OnStart(sessionID, traceID string) {
	h.Broadcast(Frame{Type: frameStart, SessionID: sessionID, TraceID: traceID})
}

func (h *Hub) OnChunk(content string) {
	h.Broadcast(Frame{Type: frameChunk, Content: content})
}

func (h *Hub) OnEnd() {
	h.Broadcast(Frame{Type: frameEnd})
}

func (h *Hub) OnThinking(text, agentRole string, newTurn bool) {
	h.Broadcast(Frame{Type: frameThinkingStream, Text: text, Agent: agentRole, NewTurn: newTurn})
}

func (h *Hub) OnAgentSpawned(role string) {
	h.Broadcast(Frame{Type: frameAgentSpawned, Role: role})
}

func (h *Hub) OnAgentCompleted(role string) {
	h.Broadcast(Frame{Type: frameAgentCompleted, Role: role})
}

func (h *Hub) OnAgentFailed(role string) {
	h.Broadcast(Frame{Type: frameAgentFailed, Role: role})
}
