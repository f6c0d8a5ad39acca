// Package stream decodes the line-delimited JSON a conversation subprocess
// writes to stdout. Each line is one self-describing event; lines that fail
// to decode are expected noise and are dropped by callers.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind classifies a decoded event.
type Kind int

const (
	// KindUnknown covers decodable events of a type we do not act on.
	// They are still fanned out to viewers verbatim.
	KindUnknown Kind = iota
	// KindInit is the subprocess announcing its session, carrying the
	// resume token.
	KindInit
	// KindAssistant carries the cumulative text of the in-flight reply.
	// Each event supplies the full text so far, not a delta.
	KindAssistant
	// KindResult marks the end of a reply turn.
	KindResult
)

// Event is one decoded stdout line.
type Event struct {
	Kind Kind
	// Raw is the verbatim line, suitable for forwarding to viewers.
	Raw []byte
	// ResumeToken is set for KindInit.
	ResumeToken string
	// Text is the cumulative assistant text, set for KindAssistant.
	Text string
	// Result is the final result text, set for KindResult.
	Result string
	// IsError is set for KindResult when the turn failed.
	IsError bool
}

// wireMessage mirrors the subprocess stream-json schema, limited to the
// fields the multiplexer acts on.
type wireMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// Decode parses one complete line. ok is false for anything that is not a
// JSON object with a type discriminator; such lines are non-fatal noise.
func Decode(line []byte) (Event, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, false
	}
	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Event{}, false
	}
	if msg.Type == "" {
		return Event{}, false
	}

	ev := Event{Kind: KindUnknown, Raw: append([]byte(nil), trimmed...)}
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			ev.Kind = KindInit
			ev.ResumeToken = msg.SessionID
		}
	case "assistant":
		ev.Kind = KindAssistant
		var parts []string
		for _, c := range msg.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		ev.Text = strings.Join(parts, "")
	case "result":
		ev.Kind = KindResult
		ev.Result = msg.Result
		ev.IsError = msg.IsError
	}
	return ev, true
}

// userEnvelope is the stdin wire format for user messages.
type userEnvelope struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// EncodeUserMessage wraps user text in the envelope the subprocess expects on
// stdin, newline terminated.
func EncodeUserMessage(content string) []byte {
	var env userEnvelope
	env.Type = "user"
	env.Message.Role = "user"
	env.Message.Content = content
	data, _ := json.Marshal(env)
	return append(data, '\n')
}

// LineBuffer reassembles newline-delimited records from arbitrary chunks.
type LineBuffer struct {
	partial []byte
}

// Feed appends a chunk and returns every complete line it closed, newline
// stripped. The trailing partial line is held until a later chunk (or Flush)
// completes it.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	b.partial = append(b.partial, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			return lines
		}
		line := append([]byte(nil), b.partial[:i]...)
		b.partial = b.partial[i+1:]
		lines = append(lines, line)
	}
}

// Flush returns any buffered partial line and resets the buffer.
func (b *LineBuffer) Flush() []byte {
	if len(b.partial) == 0 {
		return nil
	}
	line := b.partial
	b.partial = nil
	return line
}
