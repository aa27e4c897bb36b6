package gateway

import "time"

// Outbound frame types pushed to websocket clients.
const (
	frameStart            = "start"
	frameChunk            = "chunk"
	frameEnd              = "end"
	frameApprovalRequest  = "approval_request"
	frameApprovalResolved = "approval_resolved"
	frameThinkingStream   = "thinking_stream"
	frameAgentSpawned     = "agent_spawned"
	frameAgentCompleted   = "agent_completed"
	frameAgentFailed      = "agent_failed"
)

// Inbound frame types accepted from websocket clients.
const (
	frameApprovalResponse = "approval_response"
	frameBatchApproval    = "batch_approval"
	frameHumanHint        = "human_hint"
)

// Frame is the outbound wire shape. Only the fields relevant to the
// type are populated.
type Frame struct {
	Type         string     `json:"type"`
	SessionID    string     `json:"session_id,omitempty"`
	TraceID      string     `json:"trace_id,omitempty"`
	Content      string     `json:"content,omitempty"`
	ID           string     `json:"id,omitempty"`
	ToolName     string     `json:"tool_name,omitempty"`
	ServerName   string     `json:"server_name,omitempty"`
	Description  string     `json:"description,omitempty"`
	SafetyLevel  string     `json:"safety_level,omitempty"`
	ResourcePath string     `json:"resource_path,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Approved     *bool      `json:"approved,omitempty"`
	Text         string     `json:"text,omitempty"`
	Agent        string     `json:"agent,omitempty"`
	NewTurn      bool       `json:"new_turn,omitempty"`
	Role         string     `json:"role,omitempty"`
}

// inboundFrame is what clients send us.
type inboundFrame struct {
	Type         string   `json:"type"`
	ApprovalID   string   `json:"approval_id,omitempty"`
	ApprovalIDs  []string `json:"approval_ids,omitempty"`
	Approved     bool     `json:"approved"`
	TrustMinutes int      `json:"trust_minutes,omitempty"`
	Text         string   `json:"text,omitempty"`
}
