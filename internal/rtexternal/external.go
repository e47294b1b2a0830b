// Package rtexternal implements the "external" runtime kind (spec §3
// Runtime.kind, §6 `attach`/`add`): a process the daemon does not own
// an I/O descriptor for, tracked only by PID, whose liveness is polled
// on the runtime's own tick and, when managed, restarted within a
// crash-restart budget (SPEC_FULL "Health and restart budget").
package rtexternal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// healthTick is the external-runtime liveness poll interval (SPEC_FULL:
// "grounded on the source's 2s health tick mentioned in spec §9").
const healthTick = 2 * time.Second

// restartBudget/restartWindow bound the managed-restart loop (SPEC_FULL
// "default 5 restarts within a rolling 60s window").
const (
	restartBudget = 5
	restartWindow = 60 * time.Second
)

// External is the runtime kind that wraps an already-running or
// daemon-spawned process (spec §6 `attach`, `add`).
type External struct {
	hdr *runtime.Header
	rx  *reactor.Reactor

	mu       sync.Mutex
	pid      int
	cmd      *exec.Cmd // non-nil only when this daemon spawned the process itself
	tickTok  reactor.Token
	restarts []time.Time
}

// New builds an External runtime in state "created".
func New(cfg runtime.Config, rx *reactor.Reactor) *External {
	return &External{hdr: runtime.NewHeader(cfg), rx: rx, pid: cfg.Pid}
}

func (e *External) Header() *runtime.Header { return e.hdr }

// Start either attaches to an already-running PID (cfg.Pid set by
// `attach --pid`) or spawns cfg.BinaryPath itself (`add`). Either way
// the runtime is "running" once a live PID is known.
func (e *External) Start(ctx context.Context) error {
	if err := e.hdr.TransitionStart(); err != nil {
		return err
	}

	cfg := e.hdr.Config
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case cfg.Pid > 0:
		if !processAlive(cfg.Pid) {
			werr := xerr.New(xerr.CodeTransient, fmt.Sprintf("external: pid %d is not running", cfg.Pid))
			e.hdr.CommitFailed(werr)
			return werr
		}
		e.pid = cfg.Pid

	case cfg.BinaryPath != "":
		cmd := exec.Command(cfg.BinaryPath)
		cmd.Env = append(os.Environ(),
			"SOCKETLEY_MANAGED=1",
			"SOCKETLEY_NAME="+cfg.Name,
		)
		if err := cmd.Start(); err != nil {
			werr := xerr.Wrap(xerr.CodeTransient, "external: spawn", err)
			e.hdr.CommitFailed(werr)
			return werr
		}
		e.cmd = cmd
		e.pid = cmd.Process.Pid
		go func() { _ = cmd.Wait() }() // reap without blocking the reactor

	default:
		werr := xerr.New(xerr.CodeBadInput, "external: neither pid nor binary_path set")
		e.hdr.CommitFailed(werr)
		return werr
	}

	e.hdr.CommitRunning()
	e.scheduleHealthTick()
	return nil
}

func (e *External) Stop(ctx context.Context) error {
	if !e.hdr.TransitionStop() {
		return nil
	}

	e.mu.Lock()
	e.rx.Cancel(e.tickTok)
	cmd := e.cmd
	e.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	e.hdr.CommitStopped()
	return nil
}

func (e *External) scheduleHealthTick() {
	e.tickTok = e.rx.SubmitTimeout(healthTick, func(reactor.Completion) {
		e.checkHealth()
		if e.hdr.State() == runtime.StateRunning {
			e.scheduleHealthTick()
		}
	})
}

// checkHealth polls the tracked PID; a dead, daemon-managed process is
// restarted if the rolling restart budget allows it, else the runtime
// transitions to failed (spec §4.2 "if an externally managed binary is
// seen dead by the health tick and has exceeded its restart budget").
func (e *External) checkHealth() {
	e.mu.Lock()
	pid := e.pid
	managed := e.hdr.Config.BinaryPath != ""
	e.mu.Unlock()

	if processAlive(pid) {
		return
	}

	if !managed {
		werr := xerr.New(xerr.CodeTransient, fmt.Sprintf("external: pid %d died", pid))
		e.hdr.CommitFailed(werr)
		return
	}

	e.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-restartWindow)
	kept := e.restarts[:0]
	for _, t := range e.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.restarts = kept

	if len(e.restarts) >= restartBudget {
		e.mu.Unlock()
		werr := xerr.New(xerr.CodeTransient, "external: restart budget exceeded")
		e.hdr.CommitFailed(werr)
		logx.New(logx.ErrorLevel, "external: restart budget exceeded, giving up").
			Field("runtime", e.hdr.Config.Name).Check(logx.ErrorLevel)
		return
	}
	e.restarts = append(e.restarts, now)
	e.mu.Unlock()

	cfg := e.hdr.Config
	cmd := exec.Command(cfg.BinaryPath)
	cmd.Env = append(os.Environ(), "SOCKETLEY_MANAGED=1", "SOCKETLEY_NAME="+cfg.Name)
	if err := cmd.Start(); err != nil {
		logx.New(logx.WarnLevel, "external: restart failed").
			Field("runtime", cfg.Name).ErrorAdd(true, err).Check(logx.WarnLevel)
		return
	}

	e.mu.Lock()
	e.cmd = cmd
	e.pid = cmd.Process.Pid
	e.mu.Unlock()
	go func() { _ = cmd.Wait() }()

	logx.New(logx.InfoLevel, "external: restarted").
		Field("runtime", cfg.Name).Field("pid", cmd.Process.Pid).Check(logx.InfoLevel)
}

// processAlive probes a PID with signal 0: delivers no signal but
// reports ESRCH if the process is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
