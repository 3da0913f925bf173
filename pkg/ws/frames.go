// Package ws defines the client message protocol: flat JSON frames with a
// "type" field, exchanged over the WebSocket gateway.
package ws

import "encoding/json"

// Client -> server frame types.
const (
	TypeChat            = "chat"
	TypeStop            = "stop"
	TypeSubscribe       = "subscribe_session"
	TypeResumeTask      = "resume_task"
	TypeAskUserResponse = "ask_user_response"
	TypeAskUserCancel   = "ask_user_cancel"
	TypeQueueRemove     = "queue_remove"
	TypeQueueEdit       = "queue_edit"
)

// Server -> client frame types.
const (
	TypeSessionStarted  = "session_started"
	TypeSessionTitle    = "session_title"
	TypeText            = "text"
	TypeThinking        = "thinking"
	TypeTool            = "tool"
	TypeStatus          = "status"
	TypeAgentStatus     = "agent_status"
	TypeRateLimit       = "rate_limit"
	TypeAskUser         = "ask_user"
	TypeAskUserTimeout  = "ask_user_timeout"
	TypeTaskStarted     = "task_started"
	TypeTaskResumed     = "task_resumed"
	TypeTaskRetrying    = "task_retrying"
	TypeTaskInterrupted = "task_interrupted"
	TypeTaskLost        = "task_lost"
	TypeQueueUpdate     = "queue_update"
	TypeDone            = "done"
	TypeError           = "error"
	TypeNotification    = "notification"
)

// Envelope carries just enough to route an incoming frame.
type Envelope struct {
	Type string `json:"type"`
}

// Attachment is a file sent alongside a chat prompt.
type Attachment struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// ChatRequest starts (or continues) an interactive turn.
type ChatRequest struct {
	Type        string       `json:"type"`
	TabID       string       `json:"tabId,omitempty"`
	SessionID   string       `json:"sessionId,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Skills      []string     `json:"skills,omitempty"`
	MCPServers  []string     `json:"mcpServers,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	AgentMode   string       `json:"agentMode,omitempty"`
	Model       string       `json:"model,omitempty"`
	MaxTurns    int          `json:"maxTurns,omitempty"`
	Workdir     string       `json:"workdir,omitempty"`
	ReplyTo     *int64       `json:"reply_to,omitempty"`
	Retry       bool         `json:"retry,omitempty"`
	AutoSkill   bool         `json:"autoSkill,omitempty"`
}

// StopRequest cancels the in-flight turn on a tab or session.
type StopRequest struct {
	Type      string `json:"type"`
	TabID     string `json:"tabId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// SubscribeRequest attaches the connection to a session's event stream.
type SubscribeRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	NoCatchUp bool   `json:"noCatchUp,omitempty"`
}

// ResumeTaskRequest reattaches to a running kanban task session.
type ResumeTaskRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TabID     string `json:"tabId,omitempty"`
}

// AskUserResponse answers a pending ask_user question.
type AskUserResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Answer    string `json:"answer"`
}

// AskUserCancel skips a pending ask_user question.
type AskUserCancel struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// QueueRemoveRequest drops a queued chat message.
type QueueRemoveRequest struct {
	Type    string `json:"type"`
	QueueID string `json:"queueId"`
}

// QueueEditRequest rewrites a queued chat message.
type QueueEditRequest struct {
	Type    string `json:"type"`
	QueueID string `json:"queueId"`
	Text    string `json:"text"`
}

// Question is one entry of an ask_user prompt.
type Question struct {
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect"`
}

// QueueItem is one pending queued chat message.
type QueueItem struct {
	QueueID string `json:"queueId"`
	Text    string `json:"text"`
}

// Marshal serialises any frame, panicking only on programmer error
// (all frame types are plain data).
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("ws: unmarshalable frame: " + err.Error())
	}
	return data
}
