package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"convod/launch"
	"convod/store"
)

// ErrNoActiveProcess is returned by Submit when the conversation has no live
// subprocess. The caller should attach first.
var ErrNoActiveProcess = errors.New("no active process for conversation")

// Viewer is one attached client connection. Send must not block on a slow
// peer; a non-nil error means the connection is gone and the viewer will be
// pruned.
type Viewer interface {
	Send(note any) error
}

// Store is the persistence surface the supervisor needs. *store.Store
// satisfies it.
type Store interface {
	GetConversation(id string) (store.Conversation, error)
	SetResumeToken(id, token string) error
	SetProcessing(id string, processing bool) error
	TouchActivity(id string, at time.Time) error
	AppendMessage(m store.Message) error
	Messages(conversationID string) ([]store.Message, error)
}

// Supervisor owns every live conversation subprocess and its viewers.
type Supervisor struct {
	log         *zap.SugaredLogger
	store       Store
	launcher    launch.Launcher
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Supervisor. idleTimeout controls how long an unwatched
// subprocess may live before the reaper takes it.
func New(st Store, launcher launch.Launcher, idleTimeout time.Duration, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		log:         log,
		store:       st,
		launcher:    launcher,
		idleTimeout: idleTimeout,
		entries:     make(map[string]*entry),
	}
}

// Attach connects a viewer to a conversation, spawning the subprocess if the
// conversation has no live one. The persisted transcript is replayed to the
// viewer; if a reply is mid-generation the viewer is told so. The
// conversation metadata must already exist.
func (s *Supervisor) Attach(conversationID string, v Viewer) error {
	meta, err := s.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	s.mu.Lock()
	e, ok := s.entries[conversationID]
	if !ok {
		proc, lerr := s.launcher.Launch(launch.Spec{
			ConversationID: conversationID,
			WorkDir:        meta.WorkDir,
			ResumeToken:    meta.ResumeToken,
		})
		if lerr != nil {
			s.mu.Unlock()
			v.Send(ErrorNote{Kind: NoteError, Text: "starting conversation process: " + lerr.Error()})
			return fmt.Errorf("spawning subprocess: %w", lerr)
		}
		e = newEntry(s, conversationID, proc, s.log.Named("entry").With("Conversation", conversationID))
		s.entries[conversationID] = e
		e.start()
		s.log.Infow("spawned conversation process", "Conversation", conversationID, "Resumed", meta.ResumeToken != "")
	}
	s.mu.Unlock()

	e.addViewer(v)

	msgs, err := s.store.Messages(conversationID)
	if err != nil {
		s.log.Warnw("loading transcript for replay", "Conversation", conversationID, "Error", err)
		msgs = []store.Message{}
	}
	if err := v.Send(History{Kind: NoteHistory, Entries: msgs}); err != nil {
		e.removeViewer(v)
		return nil
	}
	if e.isGenerating() {
		if err := v.Send(Processing{Kind: NoteProcessing, Active: true}); err != nil {
			e.removeViewer(v)
			return nil
		}
	}
	if err := s.store.TouchActivity(conversationID, time.Now()); err != nil {
		s.log.Debugw("touching activity", "Conversation", conversationID, "Error", err)
	}
	return nil
}

// Detach removes a viewer. The subprocess keeps running; an entry left with
// no viewers becomes eligible for idle reclamation later.
func (s *Supervisor) Detach(conversationID string, v Viewer) {
	if e := s.lookup(conversationID); e != nil {
		e.removeViewer(v)
	}
}

// Submit appends a user message, echoes it to sibling viewers, and forwards
// it to the subprocess. The sibling echo completes before any bytes reach the
// subprocess so no part of the reply can be rendered ahead of the message
// that caused it.
func (s *Supervisor) Submit(conversationID string, sender Viewer, content string, att *store.Attachment) error {
	e := s.lookup(conversationID)
	if e == nil {
		return ErrNoActiveProcess
	}
	return e.submit(sender, content, att)
}

// Terminate force-kills the conversation's subprocess, if any, and removes
// the entry regardless of attached viewers.
func (s *Supervisor) Terminate(conversationID string) {
	s.mu.Lock()
	e := s.entries[conversationID]
	delete(s.entries, conversationID)
	s.mu.Unlock()
	if e == nil {
		return
	}
	s.log.Infow("terminating conversation process", "Conversation", conversationID)
	e.proc.Kill()
}

// Running reports whether the conversation has a live subprocess, and if so
// whether it is mid-generation.
func (s *Supervisor) Running(conversationID string) (running, generating bool) {
	e := s.lookup(conversationID)
	if e == nil {
		return false, false
	}
	return true, e.isGenerating()
}

// RunReaper periodically reclaims subprocesses that have had no viewers for
// longer than the idle threshold. Blocks until ctx is done.
func (s *Supervisor) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapIdle(time.Now())
		}
	}
}

// ReapIdle performs one reaper sweep at the given instant and returns how
// many entries were reclaimed. Entries with any attached viewer are never
// reclaimed regardless of age.
func (s *Supervisor) ReapIdle(now time.Time) int {
	s.mu.Lock()
	var victims []*entry
	for id, e := range s.entries {
		if e.viewerCount() == 0 && now.Sub(e.startedAt) > s.idleTimeout {
			victims = append(victims, e)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, e := range victims {
		s.log.Infow("reaping idle conversation process", "Conversation", e.conversationID, "Age", now.Sub(e.startedAt))
		e.proc.Kill()
	}
	return len(victims)
}

func (s *Supervisor) lookup(conversationID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[conversationID]
}

// removeEntry drops e from the table if it is still the registered entry for
// its conversation. A fresh entry spawned after a terminate must not be
// clobbered by the old one's exit handler.
func (s *Supervisor) removeEntry(e *entry) {
	s.mu.Lock()
	if cur, ok := s.entries[e.conversationID]; ok && cur == e {
		delete(s.entries, e.conversationID)
	}
	s.mu.Unlock()
}
