package mux

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"convod/launch"
	"convod/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeViewer struct {
	mu     sync.Mutex
	notes  []any
	err    error
	onSend func(note any)
}

func (v *fakeViewer) Send(note any) error {
	v.mu.Lock()
	if v.err != nil {
		v.mu.Unlock()
		return v.err
	}
	v.notes = append(v.notes, note)
	hook := v.onSend
	v.mu.Unlock()
	if hook != nil {
		hook(note)
	}
	return nil
}

func (v *fakeViewer) fail() {
	v.mu.Lock()
	v.err = errors.New("connection closed")
	v.mu.Unlock()
}

func noteKind(note any) string {
	switch n := note.(type) {
	case History:
		return n.Kind
	case UserMessage:
		return n.Kind
	case Processing:
		return n.Kind
	case Refresh:
		return n.Kind
	case Event:
		return n.Kind
	case Diagnostic:
		return n.Kind
	case ErrorNote:
		return n.Kind
	default:
		return ""
	}
}

func (v *fakeViewer) count(kind string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, note := range v.notes {
		if noteKind(note) == kind {
			n++
		}
	}
	return n
}

func (v *fakeViewer) firstOf(kind string) any {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, note := range v.notes {
		if noteKind(note) == kind {
			return note
		}
	}
	return nil
}

func newTestMux(t *testing.T, idleTimeout time.Duration) (*Supervisor, *launch.FakeLauncher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "convod.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Now()
	require.NoError(t, st.CreateConversation(store.Conversation{ID: "c1", Name: "test", CreatedAt: now, UpdatedAt: now}))

	fl := &launch.FakeLauncher{}
	return New(st, fl, idleTimeout, zap.NewNop().Sugar()), fl, st
}

func TestAttachUnknownConversation(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	err := s.Attach("missing", &fakeViewer{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, fl.Launched())
}

func TestFirstAttachSpawnsOnlyOnce(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	v1, v2 := &fakeViewer{}, &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Attach("c1", v2))
	assert.Equal(t, 1, fl.Launched())
	assert.Equal(t, 1, v1.count(NoteHistory))
	assert.Equal(t, 1, v2.count(NoteHistory))
}

func TestConcurrentAttachSingleEntry(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Attach("c1", &fakeViewer{}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fl.Launched())
}

func TestHistoryReplayedOnAttach(t *testing.T) {
	s, _, st := newTestMux(t, time.Minute)
	now := time.Now()
	require.NoError(t, st.AppendMessage(store.Message{ConversationID: "c1", Role: store.RoleUser, Content: "q", CreatedAt: now}))
	require.NoError(t, st.AppendMessage(store.Message{ConversationID: "c1", Role: store.RoleAssistant, Content: "a", CreatedAt: now}))

	v := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v))
	hist := v.firstOf(NoteHistory).(History)
	require.Len(t, hist.Entries, 2)
	assert.Equal(t, "q", hist.Entries[0].Content)
	assert.Equal(t, "a", hist.Entries[1].Content)
}

func TestSubmitWithoutProcess(t *testing.T) {
	s, _, _ := newTestMux(t, time.Minute)
	err := s.Submit("c1", nil, "hi", nil)
	assert.ErrorIs(t, err, ErrNoActiveProcess)
}

// Scenario: fresh conversation, one viewer, one full round trip.
func TestSingleViewerRoundTrip(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))

	hist := v1.firstOf(NoteHistory).(History)
	assert.Empty(t, hist.Entries)

	require.NoError(t, s.Submit("c1", v1, "hi", nil))
	// sender already rendered its own message; no echo back
	assert.Zero(t, v1.count(NoteUserMessage))

	proc := fl.Proc(0)
	writes := proc.StdinWrites()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hi"}}`, string(writes[0]))

	_, generating := s.Running("c1")
	assert.True(t, generating)

	proc.EmitStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`)
	proc.EmitStdout(`{"type":"result","subtype":"success","result":"Hello"}`)

	require.Eventually(t, func() bool { return v1.count(NoteRefresh) == 1 }, waitFor, tick)
	assert.Equal(t, 2, v1.count(NoteEvent))

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)

	require.Eventually(t, func() bool {
		_, generating := s.Running("c1")
		return !generating
	}, waitFor, tick)
	meta, err := st.GetConversation("c1")
	require.NoError(t, err)
	assert.False(t, meta.Processing)
	assert.Equal(t, "Hello", meta.LastMessage)
}

func TestSiblingSeesUserMessageBeforeSubprocess(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)

	var mu sync.Mutex
	var order []string
	record := func(what string) {
		mu.Lock()
		order = append(order, what)
		mu.Unlock()
	}

	v1 := &fakeViewer{}
	v2 := &fakeViewer{onSend: func(note any) {
		if noteKind(note) == NoteUserMessage {
			record("sibling echo")
		}
	}}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Attach("c1", v2))
	fl.Proc(0).ObserveWrites(func([]byte) { record("stdin write") })

	require.NoError(t, s.Submit("c1", v1, "hi", nil))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"sibling echo", "stdin write"}, order)
}

func TestCumulativeSnapshotsPersistOnce(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Submit("c1", v1, "hi", nil))

	proc := fl.Proc(0)
	proc.EmitStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hel"}]}}`)
	proc.EmitStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello there"}]}}`)
	proc.EmitStdout(`{"type":"result","subtype":"success"}`)

	require.Eventually(t, func() bool { return v1.count(NoteRefresh) == 1 }, waitFor, tick)

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

// Scenario: second viewer attaches mid-generation.
func TestAttachMidGeneration(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Submit("c1", v1, "hi", nil))

	proc := fl.Proc(0)
	proc.EmitStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`)
	require.Eventually(t, func() bool { return v1.count(NoteEvent) == 1 }, waitFor, tick)

	v2 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v2))
	assert.Equal(t, 1, fl.Launched())

	// history excludes the unsaved in-flight reply
	hist := v2.firstOf(NoteHistory).(History)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, store.RoleUser, hist.Entries[0].Role)

	note := v2.firstOf(NoteProcessing)
	require.NotNil(t, note)
	assert.True(t, note.(Processing).Active)

	proc.EmitStdout(`{"type":"result","subtype":"success"}`)
	require.Eventually(t, func() bool {
		return v1.count(NoteRefresh) == 1 && v2.count(NoteRefresh) == 1
	}, waitFor, tick)
}

func TestDetachLeavesProcessRunning(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	s.Detach("c1", v1)

	assert.False(t, fl.Proc(0).Killed())
	running, _ := s.Running("c1")
	assert.True(t, running)
}

func TestReaperBoundary(t *testing.T) {
	idle := time.Minute
	s, fl, _ := newTestMux(t, idle)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	s.Detach("c1", v1)

	// below the threshold: survives
	assert.Zero(t, s.ReapIdle(time.Now().Add(idle-time.Second)))
	assert.False(t, fl.Proc(0).Killed())

	// past the threshold with no viewers: reclaimed
	assert.Equal(t, 1, s.ReapIdle(time.Now().Add(idle+time.Second)))
	assert.True(t, fl.Proc(0).Killed())
	require.Eventually(t, func() bool {
		running, _ := s.Running("c1")
		return !running
	}, waitFor, tick)
}

func TestReaperSparesWatchedProcesses(t *testing.T) {
	idle := time.Minute
	s, fl, _ := newTestMux(t, idle)
	require.NoError(t, s.Attach("c1", &fakeViewer{}))

	// watched entries are never reclaimed regardless of age
	assert.Zero(t, s.ReapIdle(time.Now().Add(24*time.Hour)))
	assert.False(t, fl.Proc(0).Killed())
}

// Scenario: detach and reattach below the idle threshold reuses the process.
func TestReattachReusesProcess(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))

	fl.Proc(0).EmitStdout(`{"type":"system","subtype":"init","session_id":"sess-1"}`)
	require.Eventually(t, func() bool {
		meta, err := st.GetConversation("c1")
		return err == nil && meta.ResumeToken == "sess-1"
	}, waitFor, tick)

	s.Detach("c1", v1)
	v2 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v2))

	assert.Equal(t, 1, fl.Launched())
	meta, err := st.GetConversation("c1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", meta.ResumeToken)
}

func TestTerminateThenReattachResumes(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	assert.Equal(t, "", fl.SpecFor(0).ResumeToken)

	fl.Proc(0).EmitStdout(`{"type":"system","subtype":"init","session_id":"sess-1"}`)
	require.Eventually(t, func() bool {
		meta, _ := st.GetConversation("c1")
		return meta.ResumeToken == "sess-1"
	}, waitFor, tick)

	s.Terminate("c1")
	assert.True(t, fl.Proc(0).Killed())
	assert.ErrorIs(t, s.Submit("c1", v1, "hi", nil), ErrNoActiveProcess)

	require.NoError(t, s.Attach("c1", &fakeViewer{}))
	require.Equal(t, 2, fl.Launched())
	assert.Equal(t, "sess-1", fl.SpecFor(1).ResumeToken)
}

func TestSpawnFailureSurfacedToViewer(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	fl.Err = fmt.Errorf("binary not found")

	v1 := &fakeViewer{}
	err := s.Attach("c1", v1)
	require.Error(t, err)
	require.NotNil(t, v1.firstOf(NoteError))

	running, _ := s.Running("c1")
	assert.False(t, running)
}

func TestDeadViewerPruned(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	v1, v2 := &fakeViewer{}, &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Attach("c1", v2))
	v2.fail()

	proc := fl.Proc(0)
	proc.EmitStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}`)
	require.Eventually(t, func() bool { return v1.count(NoteEvent) == 1 }, waitFor, tick)

	proc.EmitStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"ab"}]}}`)
	require.Eventually(t, func() bool { return v1.count(NoteEvent) == 2 }, waitFor, tick)
	assert.Zero(t, v2.count(NoteEvent))

	// with v1 gone too the entry is empty and reapable
	s.Detach("c1", v1)
	assert.Equal(t, 1, s.ReapIdle(time.Now().Add(time.Hour)))
}

func TestStderrForwardedNotPersisted(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))

	fl.Proc(0).EmitStderr("warning: something odd")
	require.Eventually(t, func() bool { return v1.count(NoteDiagnostic) == 1 }, waitFor, tick)
	assert.Equal(t, "warning: something odd", v1.firstOf(NoteDiagnostic).(Diagnostic).Text)

	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMalformedLinesDropped(t *testing.T) {
	s, fl, _ := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))

	proc := fl.Proc(0)
	proc.EmitStdout("not json at all")
	proc.EmitStdout(`{"broken":`)
	proc.EmitStdout(`{"type":"result","subtype":"success"}`)

	require.Eventually(t, func() bool { return v1.count(NoteRefresh) == 1 }, waitFor, tick)
	assert.Equal(t, 1, v1.count(NoteEvent))
}

func TestChunkedStdoutReassembled(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Submit("c1", v1, "hi", nil))

	proc := fl.Proc(0)
	proc.EmitStdoutChunk([]byte(`{"type":"assistant","message":{"content":[{"type":`))
	proc.EmitStdoutChunk([]byte(`"text","text":"split"}]}}` + "\n" + `{"type":"result"`))
	proc.EmitStdoutChunk([]byte(",\"subtype\":\"success\"}\n"))

	require.Eventually(t, func() bool { return v1.count(NoteRefresh) == 1 }, waitFor, tick)
	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "split", msgs[1].Content)
}

func TestExitDiscardsInFlightReply(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	v1 := &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Submit("c1", v1, "hi", nil))

	proc := fl.Proc(0)
	proc.EmitStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"doomed"}]}}`)
	require.Eventually(t, func() bool { return v1.count(NoteEvent) == 1 }, waitFor, tick)
	proc.Exit()

	require.Eventually(t, func() bool {
		running, _ := s.Running("c1")
		return !running
	}, waitFor, tick)

	// incomplete reply is a documented data-loss boundary, not persisted
	msgs, err := st.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	require.Eventually(t, func() bool {
		meta, err := st.GetConversation("c1")
		return err == nil && !meta.Processing
	}, waitFor, tick)
	require.Eventually(t, func() bool { return v1.count(NoteProcessing) == 1 }, waitFor, tick)
	assert.False(t, v1.firstOf(NoteProcessing).(Processing).Active)
}

func TestConversationsAreIndependent(t *testing.T) {
	s, fl, st := newTestMux(t, time.Minute)
	now := time.Now()
	require.NoError(t, st.CreateConversation(store.Conversation{ID: "c2", Name: "other", CreatedAt: now, UpdatedAt: now}))

	v1, v2 := &fakeViewer{}, &fakeViewer{}
	require.NoError(t, s.Attach("c1", v1))
	require.NoError(t, s.Attach("c2", v2))
	require.Equal(t, 2, fl.Launched())

	// killing c1 leaves c2 untouched
	fl.Proc(0).Exit()
	require.Eventually(t, func() bool {
		running, _ := s.Running("c1")
		return !running
	}, waitFor, tick)
	running, _ := s.Running("c2")
	assert.True(t, running)

	fl.Proc(1).EmitStdout(`{"type":"result","subtype":"success"}`)
	require.Eventually(t, func() bool { return v2.count(NoteRefresh) == 1 }, waitFor, tick)
	assert.Zero(t, v1.count(NoteRefresh))
}
