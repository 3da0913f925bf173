package codec

import (
	"bufio"
	"encoding/json"
	"io"
	"regexp"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// maxLineBytes is the defensive cap on a single stdout line. A line that
// grows past it (no newline arriving) is dropped and the accumulator reset.
const maxLineBytes = 10 << 20

// resumeTokenRe best-effort extracts an embedded resume token from an
// unparseable line.
var resumeTokenRe = regexp.MustCompile(`"session_id"\s*:\s*"([0-9a-fA-F-]{8,64})"`)

// streamLine is the top-level NDJSON envelope on the subprocess stdout.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	RateLimit json.RawMessage `json:"rate_limit,omitempty"`
	NumTurns  int             `json:"num_turns,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Cost      float64         `json:"total_cost_usd,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// innerEvent is the payload of a stream_event line.
type innerEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
}

// Decoder turns the subprocess stdout byte stream into an ordered sequence of
// typed events delivered to emit. Not safe for concurrent use.
type Decoder struct {
	emit   func(Event)
	logger *logger.Logger

	// Delta/message bookkeeping for dedup and separators.
	deltaIndexes  map[int]bool // block indexes covered by deltas since the last message_start
	emittedText   bool
	lastTextIndex int
	toolSinceText bool
	lastSession   string // last SessionAssigned token; every line repeats it
}

// NewDecoder creates a decoder delivering events to emit in arrival order.
func NewDecoder(emit func(Event), log *logger.Logger) *Decoder {
	return &Decoder{
		emit:          emit,
		logger:        log.WithFields(zap.String("component", "codec")),
		deltaIndexes:  make(map[int]bool),
		lastTextIndex: -1,
	}
}

// Consume reads r to EOF, splitting on \r?\n and decoding each line. The
// trailing unterminated line, if any, is flushed at EOF.
func (d *Decoder) Consume(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 4096)
	dropping := false

	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)

		if err == nil {
			if dropping || len(trimEOL(line)) > maxLineBytes {
				// The oversized line finally ended; discard it whole.
				if !dropping {
					d.logger.Warn("dropping oversized stdout line", zap.Int("bytes", len(line)))
				}
				dropping = false
				line = line[:0]
				continue
			}
			d.decodeLine(trimEOL(line), false)
			line = line[:0]
			continue
		}

		if err == bufio.ErrBufferFull {
			if len(line) > maxLineBytes {
				d.logger.Warn("dropping oversized stdout line", zap.Int("bytes", len(line)))
				dropping = true
				line = line[:0]
			}
			continue
		}

		// EOF or read error: flush whatever accumulated.
		if !dropping && len(trimEOL(line)) > 0 {
			d.decodeLine(trimEOL(line), true)
		}
		if err == io.EOF {
			return nil
		}
		return err
	}
}

func trimEOL(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// decodeLine parses one line. flush marks the final unterminated line, which
// is the only case where unparseable content is passed through as plain text.
func (d *Decoder) decodeLine(line []byte, flush bool) {
	if len(line) == 0 {
		return
	}

	var top streamLine
	if err := json.Unmarshal(line, &top); err != nil {
		d.logger.Debug("unparseable stdout line", zap.Error(err))
		if m := resumeTokenRe.FindSubmatch(line); m != nil {
			if tok := string(m[1]); tok != d.lastSession {
				d.lastSession = tok
				d.emit(SessionAssigned{Token: tok})
			}
			return
		}
		if flush {
			d.emitText(0, string(line))
		}
		return
	}

	if top.SessionID != "" && !top.IsError && top.SessionID != d.lastSession {
		d.lastSession = top.SessionID
		d.emit(SessionAssigned{Token: top.SessionID})
	}

	switch top.Type {
	case "system":
		// init carries only the session id, handled above
	case "stream_event":
		d.decodeStreamEvent(top.Event)
	case "assistant":
		d.decodeAssistant(top.Message)
	case "rate_limit_event":
		d.emit(RateLimit{Info: top.RateLimit})
	case "result":
		d.emit(Result{
			Subtype:      top.Subtype,
			NumTurns:     top.NumTurns,
			IsError:      top.IsError,
			TotalCostUSD: top.Cost,
			Text:         top.Result,
		})
	default:
		d.emit(Unknown{Raw: string(line)})
	}
}

func (d *Decoder) decodeStreamEvent(raw json.RawMessage) {
	var ev innerEvent
	if json.Unmarshal(raw, &ev) != nil {
		return
	}

	switch ev.Type {
	case "message_start":
		d.deltaIndexes = make(map[int]bool)
		d.emit(MessageStart{})

	case "content_block_start":
		var cb struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(ev.ContentBlock, &cb) != nil {
			return
		}
		if cb.Type == "text" && d.emittedText && (ev.Index > d.lastTextIndex || d.toolSinceText) {
			// Keep post-tool text from visually concatenating with what came
			// before it.
			d.emitText(ev.Index, "\n\n")
		}
		d.emit(BlockStart{Index: ev.Index, Kind: cb.Type})

	case "content_block_delta":
		var delta struct {
			Type     string `json:"type"`
			Text     string `json:"text,omitempty"`
			Thinking string `json:"thinking,omitempty"`
		}
		if json.Unmarshal(ev.Delta, &delta) != nil {
			return
		}
		d.deltaIndexes[ev.Index] = true
		switch delta.Type {
		case "text_delta":
			d.emitText(ev.Index, delta.Text)
		case "thinking_delta":
			d.emit(ThinkingDelta{Index: ev.Index, Text: delta.Thinking})
		}
	}
}

// decodeAssistant handles a complete assistant message line. Text blocks
// already streamed as deltas are suppressed; tool_use blocks always emit.
func (d *Decoder) decodeAssistant(raw json.RawMessage) {
	var msg struct {
		Content []Block `json:"content"`
	}
	if json.Unmarshal(raw, &msg) != nil {
		return
	}

	var pending []Block
	for i, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			d.toolSinceText = true
			d.emit(ToolUse{Name: block.Name, Input: block.Input})
		case "text":
			if d.deltaIndexes[i] {
				continue
			}
			pending = append(pending, block)
		}
	}
	if len(pending) > 0 {
		d.emit(AssistantMessage{Blocks: pending})
		d.emittedText = true
	}
}

func (d *Decoder) emitText(index int, text string) {
	d.emittedText = true
	d.lastTextIndex = index
	d.toolSinceText = false
	d.emit(TextDelta{Index: index, Text: text})
}
