package store

import (
	"database/sql"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message types.
const (
	MessageTypeText      = "text"
	MessageTypeTool      = "tool"
	MessageTypeAgentPlan = "agent_plan"
)

// Task statuses.
const (
	TaskBacklog    = "backlog"
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
)

// Task failure reasons.
const (
	FailureAgentIncomplete = "agent_incomplete"
	FailureRateLimited     = "rate_limited"
	FailureException       = "exception"
	FailureUserCancelled   = "user_cancelled"
	FailureDepFailed       = "dep_failed"
)

// Session is one logical conversation.
type Session struct {
	ID           string         `db:"id"`
	Title        string         `db:"title"`
	ResumeToken  sql.NullString `db:"resume_token"`
	Skills       string         `db:"skills"`      // JSON array of skill ids
	MCPServers   string         `db:"mcp_servers"` // JSON array of tool-plugin ids
	Mode         string         `db:"mode"`
	AgentMode    string         `db:"agent_mode"`
	Model        string         `db:"model"`
	Workdir      string         `db:"workdir"`
	LastUserMsg  sql.NullString `db:"last_user_msg"`
	RetryCount   int            `db:"retry_count"`
	PartialText  sql.NullString `db:"partial_text"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// SkillList decodes the skills JSON column.
func (s *Session) SkillList() []string { return decodeStringList(s.Skills) }

// PluginList decodes the mcp_servers JSON column.
func (s *Session) PluginList() []string { return decodeStringList(s.MCPServers) }

// Message is one entry in a session's log.
type Message struct {
	ID          int64          `db:"id"`
	SessionID   string         `db:"session_id"`
	Role        string         `db:"role"`
	Type        string         `db:"type"`
	Content     string         `db:"content"`
	ToolName    sql.NullString `db:"tool_name"`
	AgentID     sql.NullString `db:"agent_id"`
	ReplyTo     sql.NullInt64  `db:"reply_to"`
	Attachments sql.NullString `db:"attachments"` // JSON blob
	CreatedAt   time.Time      `db:"created_at"`
}

// Task is a queued unit of work drivable by the engine.
type Task struct {
	ID              string         `db:"id"`
	Title           string         `db:"title"`
	Description     string         `db:"description"`
	Notes           string         `db:"notes"`
	Status          string         `db:"status"`
	SortOrder       int            `db:"sort_order"`
	SessionID       sql.NullString `db:"session_id"`
	Workdir         string         `db:"workdir"`
	Model           string         `db:"model"`
	Mode            string         `db:"mode"`
	AgentMode       string         `db:"agent_mode"`
	MaxTurns        int            `db:"max_turns"`
	Attachments     sql.NullString `db:"attachments"` // JSON blob
	DependsOn       sql.NullString `db:"depends_on"`  // JSON array of task ids
	ChainID         sql.NullString `db:"chain_id"`
	SourceSessionID sql.NullString `db:"source_session_id"`
	FailureReason   sql.NullString `db:"failure_reason"`
	RetryCount      int            `db:"retry_count"`
	WorkerPID       sql.NullInt64  `db:"worker_pid"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Dependencies decodes the depends_on JSON list.
func (t *Task) Dependencies() []string {
	if !t.DependsOn.Valid || t.DependsOn.String == "" {
		return nil
	}
	return decodeStringList(t.DependsOn.String)
}

// QueuedChat is a chat message queued while a turn is in flight, persisted so
// it survives restarts and can be replayed on subscribe.
type QueuedChat struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}
