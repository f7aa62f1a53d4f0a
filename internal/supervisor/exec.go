package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/leadgrid/scraperd/internal/task"
)

// ExecLauncher starts worker processes with os/exec. The worker reads control
// messages on stdin, writes events on stdout, and logs on stderr, so stderr
// is passed straight through to the daemon's own stderr.
type ExecLauncher struct {
	// Bin is the worker binary path or name resolved via PATH.
	Bin string
	// Args are extra arguments appended to every invocation.
	Args []string
}

// NewExecLauncher constructs a launcher for the given worker binary.
func NewExecLauncher(bin string, args ...string) *ExecLauncher {
	return &ExecLauncher{Bin: bin, Args: args}
}

// Launch starts one worker process for the task.
func (l *ExecLauncher) Launch(_ context.Context, t task.Task) (Proc, error) {
	if l.Bin == "" {
		return nil, errors.New("worker binary is not configured")
	}
	cmd := exec.Command(l.Bin, l.Args...)
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("SCRAPERD_TASK_ID=%d", t.ID))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", l.Bin, err)
	}
	return &execProc{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProc) PID() int          { return p.cmd.Process.Pid }
func (p *execProc) Stdin() io.Writer  { return p.stdin }
func (p *execProc) Stdout() io.Reader { return p.stdout }

func (p *execProc) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}

// Wait reaps the process and extracts its exit code. Signal deaths surface
// as the shell convention 128+signal.
func (p *execProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
