package recording

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrSpawnFailed is returned when the capture tool cannot be started
var ErrSpawnFailed = errors.New("capture process spawn failed")

// ProcessSpec describes one capture process
type ProcessSpec struct {
	CameraID string
	Binary   string
	Args     []string
}

// ExitStatus is how a process ended
type ExitStatus struct {
	Code     int  // -1 when terminated by a signal
	Signaled bool // Terminated by a signal
}

// Process is a running capture subprocess
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It is called exactly once.
	Wait() ExitStatus
	// Terminate asks the process to stop gracefully
	Terminate() error
	Kill() error
	// Output returns the tail of the process diagnostics
	Output() string
}

// ProcessRunner spawns capture processes
type ProcessRunner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// EventKind tags a ProcessEvent
type EventKind int

const (
	EventExited EventKind = iota
	EventKilled
	EventSpawnFailed
	eventRestartDue
)

func (k EventKind) String() string {
	switch k {
	case EventExited:
		return "exited"
	case EventKilled:
		return "killed"
	case EventSpawnFailed:
		return "spawn_failed"
	case eventRestartDue:
		return "restart_due"
	}
	return "unknown"
}

// ProcessEvent is delivered to the supervisor control loop
type ProcessEvent struct {
	Kind       EventKind
	CameraID   string
	Generation uint64
	Code       int    // EventExited
	Reason     string // EventSpawnFailed
	Lived      time.Duration
	At         time.Time
}

func exitEvent(cameraID string, gen uint64, st ExitStatus, lived time.Duration) ProcessEvent {
	ev := ProcessEvent{CameraID: cameraID, Generation: gen, Code: st.Code, Lived: lived, At: time.Now()}
	if st.Signaled {
		ev.Kind = EventKilled
	} else {
		ev.Kind = EventExited
	}
	return ev
}

// ExecRunner runs capture processes through os/exec
type ExecRunner struct{}

// Start implements ProcessRunner. The process outlives ctx; it is stopped through Terminate.
func (ExecRunner) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Binary, spec.Args...)
	setProcessGroup(cmd)
	tail := &tailBuffer{max: 4096}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Binary, err)
	}
	return &execProcess{cmd: cmd, stderr: tail}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() ExitStatus {
	_ = p.cmd.Wait()
	ps := p.cmd.ProcessState
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	st := ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signaled = true
	}
	return st
}

func (p *execProcess) Terminate() error { return p.cmd.Process.Signal(syscall.SIGTERM) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Output() string { return p.stderr.String() }

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
