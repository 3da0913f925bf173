package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func collect(t *testing.T, input string) []Event {
	t.Helper()
	var events []Event
	d := NewDecoder(func(ev Event) { events = append(events, ev) }, logger.Default())
	require.NoError(t, d.Consume(strings.NewReader(input)))
	return events
}

func textOf(events []Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if td, ok := ev.(TextDelta); ok {
			sb.WriteString(td.Text)
		}
	}
	return sb.String()
}

func TestConsumeTextDeltas(t *testing.T) {
	input := `{"type":"stream_event","event":{"type":"message_start"}}
{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}}
`
	events := collect(t, input)
	assert.Equal(t, "Hello world", textOf(events))
}

func TestAssistantMessageDedup(t *testing.T) {
	// Block 0 already streamed as deltas; the complete assistant line must
	// not emit its text a second time.
	input := `{"type":"stream_event","event":{"type":"message_start"}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"streamed"}}}
{"type":"assistant","message":{"content":[{"type":"text","text":"streamed"}]}}
`
	events := collect(t, input)
	assert.Equal(t, "streamed", textOf(events))
	for _, ev := range events {
		_, isMsg := ev.(AssistantMessage)
		assert.False(t, isMsg, "deduplicated text must not re-emit as AssistantMessage")
	}
}

func TestAssistantMessageWithoutDeltas(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"non-streaming output"}]}}
`
	events := collect(t, input)
	require.Len(t, events, 1)
	msg, ok := events[0].(AssistantMessage)
	require.True(t, ok)
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, "non-streaming output", msg.Blocks[0].Text)
}

func TestSeparatorAfterTool(t *testing.T) {
	input := `{"type":"stream_event","event":{"type":"message_start"}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"before"}}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"cmd":"ls"}}]}}
{"type":"stream_event","event":{"type":"message_start"}}
{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"after"}}}
`
	events := collect(t, input)
	assert.Equal(t, "before\n\nafter", textOf(events))

	var tools []ToolUse
	for _, ev := range events {
		if tu, ok := ev.(ToolUse); ok {
			tools = append(tools, tu)
		}
	}
	require.Len(t, tools, 1)
	assert.Equal(t, "Bash", tools[0].Name)
}

func TestSessionAssigned(t *testing.T) {
	input := `{"type":"system","subtype":"init","session_id":"abc123def456"}
`
	events := collect(t, input)
	require.Len(t, events, 1)
	assert.Equal(t, SessionAssigned{Token: "abc123def456"}, events[0])
}

func TestSessionAssignedDedup(t *testing.T) {
	// Every stdout line repeats the session id; only changes surface.
	input := `{"type":"system","subtype":"init","session_id":"abc123def456"}
{"type":"assistant","session_id":"abc123def456","message":{"content":[{"type":"text","text":"hi"}]}}
{"type":"result","subtype":"success","session_id":"abc123def456"}
{"type":"system","session_id":"fedcba654321"}
`
	var tokens []string
	for _, ev := range collect(t, input) {
		if sa, ok := ev.(SessionAssigned); ok {
			tokens = append(tokens, sa.Token)
		}
	}
	assert.Equal(t, []string{"abc123def456", "fedcba654321"}, tokens)
}

func TestResumeTokenFromUnparseableLine(t *testing.T) {
	// Truncated JSON still surrenders its session id.
	input := `garbage "session_id": "deadbeef-1234" more garbage
`
	events := collect(t, input)
	require.Len(t, events, 1)
	assert.Equal(t, SessionAssigned{Token: "deadbeef-1234"}, events[0])
}

func TestResultEvent(t *testing.T) {
	input := `{"type":"result","subtype":"error_max_turns","num_turns":25,"is_error":true,"total_cost_usd":1.25,"result":"ran out of turns"}
`
	events := collect(t, input)
	require.Len(t, events, 1)
	res, ok := events[0].(Result)
	require.True(t, ok)
	assert.Equal(t, ResultMaxTurns, res.Subtype)
	assert.Equal(t, 25, res.NumTurns)
	assert.True(t, res.IsError)
	assert.InDelta(t, 1.25, res.TotalCostUSD, 1e-9)
}

func TestRateLimitEvent(t *testing.T) {
	input := `{"type":"rate_limit_event","rate_limit":{"retry_after":30}}
`
	events := collect(t, input)
	require.Len(t, events, 1)
	rl, ok := events[0].(RateLimit)
	require.True(t, ok)
	assert.JSONEq(t, `{"retry_after":30}`, string(rl.Info))
}

func TestUnknownLinePassthrough(t *testing.T) {
	input := `{"type":"totally_new_thing"}
`
	events := collect(t, input)
	require.Len(t, events, 1)
	_, ok := events[0].(Unknown)
	assert.True(t, ok)
}

func TestFlushUnterminatedLine(t *testing.T) {
	// A final line without a newline is flushed as plain text at EOF.
	input := `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"done"}}}
tail without newline`
	events := collect(t, input)
	assert.Equal(t, "donetail without newline", textOf(events))
}

func TestOversizedLineDropped(t *testing.T) {
	big := strings.Repeat("x", maxLineBytes+1)
	input := big + "\n" + `{"type":"system","session_id":"ok1234567890"}` + "\n"
	events := collect(t, input)
	require.Len(t, events, 1)
	assert.Equal(t, SessionAssigned{Token: "ok1234567890"}, events[0])
}

func TestCRLFLines(t *testing.T) {
	input := "{\"type\":\"system\",\"session_id\":\"abcd1234\"}\r\n"
	events := collect(t, input)
	require.Len(t, events, 1)
	assert.Equal(t, SessionAssigned{Token: "abcd1234"}, events[0])
}

func TestThinkingDelta(t *testing.T) {
	input := `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"thinking_delta","thinking":"hmm"}}}
`
	events := collect(t, input)
	require.Len(t, events, 1)
	assert.Equal(t, ThinkingDelta{Index: 1, Text: "hmm"}, events[0])
}
