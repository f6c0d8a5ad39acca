package launch

import (
	"fmt"
	"io"
	"sync"
)

// FakeLauncher is a scriptable Launcher for tests. Each Launch returns a
// FakeProc whose output streams the test drives directly.
type FakeLauncher struct {
	mu sync.Mutex
	// Err, when set, makes Launch fail.
	Err   error
	procs []*FakeProc
	specs []Spec
}

func (l *FakeLauncher) Launch(spec Spec) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	p := NewFakeProc()
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	return p, nil
}

// Launched returns how many processes were started.
func (l *FakeLauncher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Proc returns the i-th launched process.
func (l *FakeLauncher) Proc(i int) *FakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

// SpecFor returns the Spec passed to the i-th Launch.
func (l *FakeLauncher) SpecFor(i int) Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[i]
}

// FakeProc is a fake subprocess. Tests write to its stdout/stderr with
// EmitStdout/EmitStderr and read what the multiplexer sent to stdin via
// StdinWrites.
type FakeProc struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	stdin *recordingWriter

	exitOnce sync.Once
	exited   chan struct{}
}

func NewFakeProc() *FakeProc {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &FakeProc{
		stdoutR: stdoutR, stdoutW: stdoutW,
		stderrR: stderrR, stderrW: stderrW,
		stdin:  newRecordingWriter(),
		exited: make(chan struct{}),
	}
}

func (p *FakeProc) Stdin() io.WriteCloser { return p.stdin }
func (p *FakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *FakeProc) Stderr() io.Reader     { return p.stderrR }

// EmitStdout writes one line to the fake's stdout, blocking until the reader
// consumes it.
func (p *FakeProc) EmitStdout(line string) {
	fmt.Fprintln(p.stdoutW, line)
}

// EmitStdoutChunk writes raw bytes with no newline handling.
func (p *FakeProc) EmitStdoutChunk(chunk []byte) {
	p.stdoutW.Write(chunk)
}

// EmitStderr writes one line to the fake's stderr.
func (p *FakeProc) EmitStderr(line string) {
	fmt.Fprintln(p.stderrW, line)
}

// Exit simulates a natural exit: output streams close and Wait returns.
func (p *FakeProc) Exit() {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.exited)
	})
}

// Kill behaves like a force-kill: same observable effect as Exit.
func (p *FakeProc) Kill() { p.Exit() }

func (p *FakeProc) Wait() error {
	<-p.exited
	return nil
}

// Killed reports whether the process has exited (naturally or by Kill).
func (p *FakeProc) Killed() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// StdinWrites returns every discrete Write made to stdin, in order.
func (p *FakeProc) StdinWrites() [][]byte {
	return p.stdin.writes()
}

// recordingWriter captures each Write for later inspection.
type recordingWriter struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	// onWrite, when set, observes each write as it lands.
	onWrite func([]byte)
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{}
}

// ObserveWrites registers a callback invoked synchronously on each write.
func (p *FakeProc) ObserveWrites(f func([]byte)) {
	p.stdin.mu.Lock()
	defer p.stdin.mu.Unlock()
	p.stdin.onWrite = f
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	cp := append([]byte(nil), b...)
	w.chunks = append(w.chunks, cp)
	f := w.onWrite
	w.mu.Unlock()
	if f != nil {
		f(cp)
	}
	return len(b), nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) writes() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.chunks))
	copy(out, w.chunks)
	return out
}
