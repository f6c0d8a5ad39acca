package mux

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"convod/launch"
	"convod/store"
	"convod/stream"
)

// entry is the in-memory state for one conversation with a live subprocess.
// The supervisor owns it; viewers only hold membership in its attached set.
type entry struct {
	sup            *Supervisor
	conversationID string
	proc           launch.Proc
	stdin          io.WriteCloser
	log            *zap.SugaredLogger
	startedAt      time.Time

	// mu guards viewers, replyText, and generating.
	mu         sync.Mutex
	viewers    map[Viewer]struct{}
	replyText  string
	generating bool

	// writeMu serializes submissions so the sibling echo for one submission
	// finishes before its bytes hit stdin, and submissions keep order.
	writeMu sync.Mutex

	readers sync.WaitGroup
}

func newEntry(sup *Supervisor, conversationID string, proc launch.Proc, log *zap.SugaredLogger) *entry {
	return &entry{
		sup:            sup,
		conversationID: conversationID,
		proc:           proc,
		stdin:          proc.Stdin(),
		log:            log,
		startedAt:      time.Now(),
		viewers:        make(map[Viewer]struct{}),
	}
}

// start begins asynchronous consumption of the subprocess's output. The
// goroutines live as long as the subprocess, not any viewer connection.
func (e *entry) start() {
	e.readers.Add(2)
	go e.readStdout()
	go e.readStderr()
	go e.awaitExit()
}

func (e *entry) addViewer(v Viewer) {
	e.mu.Lock()
	e.viewers[v] = struct{}{}
	n := len(e.viewers)
	e.mu.Unlock()
	e.log.Debugw("viewer attached", "Viewers", n)
}

func (e *entry) removeViewer(v Viewer) {
	e.mu.Lock()
	delete(e.viewers, v)
	n := len(e.viewers)
	e.mu.Unlock()
	e.log.Debugw("viewer detached", "Viewers", n)
}

func (e *entry) viewerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.viewers)
}

func (e *entry) isGenerating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generating
}

func (e *entry) submit(sender Viewer, content string, att *store.Attachment) error {
	msg := store.Message{
		ConversationID: e.conversationID,
		Role:           store.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
		Attachment:     att,
	}
	if err := e.sup.store.AppendMessage(msg); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}
	e.mu.Lock()
	e.generating = true
	e.mu.Unlock()
	if err := e.sup.store.SetProcessing(e.conversationID, true); err != nil {
		e.log.Debugw("setting processing flag", "Error", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.broadcastExcept(sender, UserMessage{Kind: NoteUserMessage, Entry: msg})
	if _, err := e.stdin.Write(stream.EncodeUserMessage(content)); err != nil {
		return fmt.Errorf("writing to subprocess: %w", err)
	}
	return nil
}

// broadcast delivers a note to every attached viewer, pruning any whose send
// fails. A dead viewer is a disconnection, not an error.
func (e *entry) broadcast(note any) {
	e.broadcastExcept(nil, note)
}

func (e *entry) broadcastExcept(skip Viewer, note any) {
	e.mu.Lock()
	targets := make([]Viewer, 0, len(e.viewers))
	for v := range e.viewers {
		if v != skip {
			targets = append(targets, v)
		}
	}
	e.mu.Unlock()

	for _, v := range targets {
		if err := v.Send(note); err != nil {
			e.log.Debugw("pruning viewer after send failure", "Error", err)
			e.removeViewer(v)
		}
	}
}

func (e *entry) readStdout() {
	defer e.readers.Done()
	var lb stream.LineBuffer
	buf := make([]byte, 4096)
	for {
		n, err := e.proc.Stdout().Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				e.handleLine(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Debugw("stdout read ended", "Error", err)
			}
			// A trailing partial line is an incomplete event; drop it.
			return
		}
	}
}

func (e *entry) readStderr() {
	defer e.readers.Done()
	scanner := bufio.NewScanner(e.proc.Stderr())
	scanner.Buffer(make([]byte, 4096), 256*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		e.broadcast(Diagnostic{Kind: NoteDiagnostic, Text: text})
	}
}

// handleLine decodes one stdout line, fans it out verbatim, then applies its
// side effects. Undecodable lines are expected noise and dropped.
func (e *entry) handleLine(line []byte) {
	ev, ok := stream.Decode(line)
	if !ok {
		e.log.Debugw("dropping undecodable line", "Len", len(line))
		return
	}

	e.broadcast(Event{Kind: NoteEvent, Event: json.RawMessage(ev.Raw)})

	switch ev.Kind {
	case stream.KindInit:
		if err := e.sup.store.SetResumeToken(e.conversationID, ev.ResumeToken); err != nil {
			e.log.Warnw("persisting resume token", "Error", err)
		}
	case stream.KindAssistant:
		// Cumulative snapshot: replace, never append.
		e.mu.Lock()
		e.replyText = ev.Text
		e.mu.Unlock()
	case stream.KindResult:
		e.completeReply()
	}
}

// completeReply persists the assembled assistant reply (if any), ends the
// generating state, and tells viewers to refresh.
func (e *entry) completeReply() {
	e.mu.Lock()
	text := e.replyText
	e.replyText = ""
	e.generating = false
	e.mu.Unlock()

	if text != "" {
		err := e.sup.store.AppendMessage(store.Message{
			ConversationID: e.conversationID,
			Role:           store.RoleAssistant,
			Content:        text,
			CreatedAt:      time.Now(),
		})
		if err != nil {
			e.log.Errorw("persisting assistant reply", "Error", err)
		}
	}
	if err := e.sup.store.SetProcessing(e.conversationID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Debugw("clearing processing flag", "Error", err)
	}
	e.broadcast(Refresh{Kind: NoteRefresh})
}

// awaitExit blocks until the subprocess is gone, then finalizes the entry.
// An in-flight partial reply is discarded, not persisted.
func (e *entry) awaitExit() {
	e.readers.Wait()
	if err := e.proc.Wait(); err != nil {
		e.log.Debugw("subprocess exited", "Error", err)
	}

	e.mu.Lock()
	e.replyText = ""
	wasGenerating := e.generating
	e.generating = false
	e.mu.Unlock()

	e.sup.removeEntry(e)
	if err := e.sup.store.SetProcessing(e.conversationID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Debugw("clearing processing flag on exit", "Error", err)
	}
	if wasGenerating {
		e.broadcast(Processing{Kind: NoteProcessing, Active: false})
	}
	e.log.Infow("conversation process exited", "Uptime", time.Since(e.startedAt))
}
