package ws

import "encoding/json"

// SessionStarted announces the session id allocated for a chat turn.
type SessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TabID     string `json:"tabId,omitempty"`
}

// SessionTitle announces the derived session title.
type SessionTitle struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	TabID     string `json:"tabId,omitempty"`
}

// TextFrame streams assistant text. CatchUp marks replayed content.
type TextFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	TabID   string `json:"tabId,omitempty"`
	CatchUp bool   `json:"catchUp,omitempty"`
}

// ThinkingFrame streams assistant thinking text.
type ThinkingFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	TabID string `json:"tabId,omitempty"`
}

// ToolFrame reports a tool invocation by the assistant.
type ToolFrame struct {
	Type  string `json:"type"`
	Tool  string `json:"tool"`
	Input string `json:"input"`
	TabID string `json:"tabId,omitempty"`
}

// StatusFrame reports coarse turn state ("thinking", "idle", ...).
type StatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	TabID  string `json:"tabId,omitempty"`
}

// RateLimitFrame forwards rate limit info from the assistant.
type RateLimitFrame struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

// AskUserFrame routes a pending question to the client.
type AskUserFrame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	Question  string     `json:"question,omitempty"`
	Questions []Question `json:"questions"`
	TabID     string     `json:"tabId,omitempty"`
}

// AskUserTimeoutFrame tells the client a question expired.
type AskUserTimeoutFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// TaskFrame covers task_started / task_resumed / task_retrying /
// task_interrupted / task_lost.
type TaskFrame struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	TaskID     string `json:"taskId,omitempty"`
	TabID      string `json:"tabId,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
}

// QueueUpdateFrame reports the pending queued chat messages for a session.
type QueueUpdateFrame struct {
	Type    string      `json:"type"`
	TabID   string      `json:"tabId,omitempty"`
	Pending int         `json:"pending"`
	Items   []QueueItem `json:"items"`
}

// DoneFrame terminates a turn on the client side.
type DoneFrame struct {
	Type     string `json:"type"`
	TabID    string `json:"tabId,omitempty"`
	Duration int64  `json:"duration"` // milliseconds
}

// ErrorFrame reports a turn failure.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	TabID string `json:"tabId,omitempty"`
}

// NotificationFrame is a fire-and-forget progress event (notify_user, task
// cascade notices).
type NotificationFrame struct {
	Type     string `json:"type"`
	Level    string `json:"level,omitempty"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Progress int    `json:"progress,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
}
