package mux

import (
	"encoding/json"

	"convod/store"
)

// Note kinds sent to viewers. Every outgoing message is a JSON object with a
// "kind" discriminator.
const (
	NoteHistory     = "history"
	NoteUserMessage = "user_message"
	NoteProcessing  = "processing"
	NoteRefresh     = "refresh"
	NoteEvent       = "event"
	NoteDiagnostic  = "diagnostic"
	NoteError       = "error"
)

// History replays the persisted transcript to a newly attached viewer.
type History struct {
	Kind    string          `json:"kind"`
	Entries []store.Message `json:"entries"`
}

// UserMessage echoes a sibling viewer's submission.
type UserMessage struct {
	Kind  string        `json:"kind"`
	Entry store.Message `json:"entry"`
}

// Processing reports whether a reply is currently being generated.
type Processing struct {
	Kind   string `json:"kind"`
	Active bool   `json:"active"`
}

// Refresh tells viewers the transcript changed and should be reloaded.
type Refresh struct {
	Kind string `json:"kind"`
}

// Event forwards one decoded subprocess stdout line verbatim.
type Event struct {
	Kind  string          `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// Diagnostic forwards one subprocess stderr line. Not persisted.
type Diagnostic struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// ErrorNote reports a terminal failure such as a spawn error.
type ErrorNote struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}
