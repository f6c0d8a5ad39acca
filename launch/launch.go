// Package launch starts conversation subprocesses and hands their stdio back
// to the multiplexer. The Launcher interface exists so tests can stand in a
// scripted process instead of the real CLI.
package launch

import (
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"
)

// Spec describes one subprocess to start.
type Spec struct {
	ConversationID string
	WorkDir        string
	// ResumeToken, when set, makes the subprocess continue prior context.
	ResumeToken string
}

// Proc is a running subprocess. Stdin is write-only, Stdout and Stderr are
// read-only. Kill force-terminates; Wait blocks until natural or forced exit
// and must only be called after Stdout and Stderr are drained.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Kill()
	Wait() error
}

// Launcher starts subprocesses.
type Launcher interface {
	Launch(spec Spec) (Proc, error)
}

// CLILauncher launches the real conversation CLI.
type CLILauncher struct {
	// Command is the CLI binary name or path.
	Command string
	Log     *zap.SugaredLogger
}

// Args builds the CLI argument list for a spec. Exported so tests can verify
// resume wiring without starting anything.
func (l *CLILauncher) Args(spec Spec) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if spec.ResumeToken != "" {
		args = append(args, "--resume", spec.ResumeToken)
	} else {
		args = append(args, "--session-id", spec.ConversationID)
	}
	return args
}

func (l *CLILauncher) Launch(spec Spec) (Proc, error) {
	args := l.Args(spec)
	cmd := exec.Command(l.Command, args...)
	cmd.Dir = spec.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", l.Command, err)
	}
	l.Log.Debugw("launched subprocess",
		"Conversation", spec.ConversationID,
		"PID", cmd.Process.Pid,
		"Resume", spec.ResumeToken != "")
	return &cliProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type cliProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *cliProc) Stdin() io.WriteCloser { return p.stdin }
func (p *cliProc) Stdout() io.Reader     { return p.stdout }
func (p *cliProc) Stderr() io.Reader     { return p.stderr }

func (p *cliProc) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *cliProc) Wait() error {
	return p.cmd.Wait()
}
