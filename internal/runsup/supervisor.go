// Package runsup supervises a single external registration worker run.
//
// Overview
// Start spawns the worker, attaches one stream reader per output stream and
// returns immediately; a detached drain loop multiplexes both streams into
// one ordered log, extracts credential-disclosure pairs into the history
// store and stamps the terminal outcome. At most one run is live at a time.
//
// Data flow:
//
//	Supervisor              readers                 worker
//	    |                      |                      |
//	Start() -- spawn ----------------------------->  exec
//	    |      stdout/stderr pipes --------------->  |
//	    |<-- lineQueue <-- readStream x2 <---------- |
//	 drain loop: log, classify, reconcile, cancel check
//	    |
//	 terminal state in State, observers notified
//
// Invariants:
//   - At most one drain loop at a time (State.begin rejects a second Start).
//   - Every received line lands in the log, in delivery order.
//   - A secret without a preceding identity is a logged warning, never an
//     aborted run.
//   - Cancellation is cooperative with line granularity, backed by a grace
//     timer so a silent worker is still killed.
package runsup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/idforge/idforge/internal/model"

	"golang.org/x/sync/errgroup"
)

// Contract-significant worker line prefixes, tested in this order.
const (
	identityPrefix = "identity disclosed: "
	secretPrefix   = "secret disclosed: "
)

// cancelGrace bounds how long a cancelled run waits for the next worker
// line before the process is killed anyway.
const cancelGrace = 2 * time.Second

// HistoryAppender persists one registration record. Satisfied by
// account.Store.
type HistoryAppender interface {
	AppendRecord(rec model.RegistrationRecord) error
}

// RunHandle tracks one started run.
type RunHandle struct {
	done chan struct{}
}

// Done is closed once the run reached a terminal state.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Supervisor owns the worker process handle and the run state singleton.
type Supervisor struct {
	state   *State
	history HistoryAppender
	notify  func(Snapshot)
}

func NewSupervisor(history HistoryAppender) *Supervisor {
	return &Supervisor{
		state:   NewState(),
		history: history,
	}
}

// WithNotifier registers the observer callback invoked after every state
// mutation. Delivery is at-least-once; observers must re-read the snapshot
// rather than trust a stale payload.
func (s *Supervisor) WithNotifier(notify func(Snapshot)) *Supervisor {
	s.notify = notify
	return s
}

// Snapshot returns the current run status. Pure read.
func (s *Supervisor) Snapshot() Snapshot {
	return s.state.Snapshot()
}

// Cancel requests cooperative cancellation of the live run.
func (s *Supervisor) Cancel() error {
	err := s.state.RequestCancel()
	if err == nil {
		s.emit()
	}
	return err
}

// Reset clears a finished or failed run so a fresh one can start.
func (s *Supervisor) Reset() error {
	if err := s.state.Reset(); err != nil {
		return err
	}
	s.emit()
	return nil
}

// Start launches the worker and the detached drain loop. Returns
// model.ErrAlreadyRunning while a run is live.
func (s *Supervisor) Start(ctx context.Context, cfg model.Config) (*RunHandle, error) {
	interpreterPath := ""
	if !cfg.Interpreter.AutoDetect && cfg.Interpreter.Path != nil {
		interpreterPath = *cfg.Interpreter.Path
	}
	interpreter, err := DetectInterpreter(interpreterPath)
	if err != nil {
		return nil, err
	}

	script, err := EnsureWorkerScript(cfg.Service.DataDir)
	if err != nil {
		return nil, err
	}

	if cfg.Browser.Type == model.BrowserTypeChrome && cfg.Browser.ChromeAutoDetect &&
		(cfg.Browser.ChromePath == nil || *cfg.Browser.ChromePath == "") {
		// best effort; the worker falls back to its own lookup
		if chrome, detectErr := DetectChromePath(); detectErr == nil {
			cfg.Browser.ChromePath = &chrome
		}
	}

	args := BuildWorkerArgs(cfg)
	workerEnv := BuildWorkerEnv(cfg)

	initial := []string{
		"using interpreter: " + interpreter + " (" + InterpreterVersion(interpreter) + ")",
		"worker script: " + script,
		"arguments: " + strings.Join(args, " "),
	}
	initial = append(initial, maskEnv(workerEnv)...)
	initial = append(initial, "starting registration run")

	if err := s.state.begin(uint(cfg.Execution.Count), initial...); err != nil {
		return nil, err
	}
	s.emit()

	cmd := exec.Command(interpreter, append([]string{"-u", script}, args...)...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	cmd.Env = append(cmd.Env, workerEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.state.fail("attaching worker stdout: " + err.Error())
		s.emit()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.state.fail("attaching worker stderr: " + err.Error())
		s.emit()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		msg := "spawning worker: " + err.Error()
		s.state.fail(msg)
		s.emit()
		return nil, fmt.Errorf("spawning worker: %w", err)
	}
	slog.InfoContext(ctx, "worker started", "pid", cmd.Process.Pid, "interpreter", interpreter)

	queue := newLineQueue()
	var readers errgroup.Group
	readers.Go(func() error {
		return readStream(ctx, stdout, false, queue)
	})
	readers.Go(func() error {
		return readStream(ctx, stderr, true, queue)
	})
	go func() {
		_ = readers.Wait()
		queue.Close()
	}()

	handle := &RunHandle{done: make(chan struct{})}
	go s.drain(ctx, cmd, queue, &readers, handle)
	return handle, nil
}

// drain is the run's event loop: it consumes the queue, applies each line
// to the state, and resolves the terminal outcome.
func (s *Supervisor) drain(ctx context.Context, cmd *exec.Cmd, queue *lineQueue, readers *errgroup.Group, handle *RunHandle) {
	defer close(handle.done)

	// killCtx aborts the blocking Pop when the caller cancelled the run but
	// the worker stopped producing output, or when the parent context dies.
	killCtx, killNow := context.WithCancel(context.Background())
	defer killNow()
	go func() {
		select {
		case <-handle.done:
		case <-ctx.Done():
			killNow()
		case <-s.state.cancelChan():
			timer := time.NewTimer(cancelGrace)
			defer timer.Stop()
			select {
			case <-handle.done:
			case <-timer.C:
				killNow()
			}
		}
	}()

	cancelled := false
	for {
		ln, ok := queue.Pop(killCtx)
		if !ok {
			// Pop aborted by the grace timer (or parent ctx) means kill;
			// a closed queue means the worker ended both streams.
			cancelled = killCtx.Err() != nil
			break
		}
		s.handleLine(ctx, ln)
		s.emit()
		if s.state.cancelled() {
			cancelled = true
			break
		}
	}

	if cancelled {
		_ = cmd.Process.Kill()
		_ = readers.Wait()
		_ = cmd.Wait()
		s.state.markStopped()
		s.emit()
		slog.InfoContext(ctx, "registration run stopped by request")
		return
	}

	_ = readers.Wait()
	err := cmd.Wait()
	switch {
	case err == nil:
		s.state.finish(nil)
	default:
		var exitErr *exec.ExitError
		var msg string
		if errors.As(err, &exitErr) {
			msg = fmt.Sprintf("worker exited with code %d", exitErr.ExitCode())
		} else {
			msg = "retrieving worker status: " + err.Error()
		}
		s.state.finish(&msg)
	}
	s.emit()
	slog.InfoContext(ctx, "registration run finished", "status", s.state.Snapshot().Status)
}

// handleLine appends the line to the log and extracts disclosure events.
// The identity prefix is tested before the secret prefix; a secret with no
// held identity degrades to a warning.
func (s *Supervisor) handleLine(ctx context.Context, ln Line) {
	display := ln.Text
	if ln.Stderr {
		display = "[stderr] " + ln.Text
	}
	s.state.recordLine(display, ln.Stderr)

	if ln.Stderr {
		return
	}

	if rest, ok := strings.CutPrefix(ln.Text, identityPrefix); ok {
		identity := strings.TrimSpace(rest)
		s.state.holdIdentity(identity)
		s.state.appendLog("captured identity: " + identity)
		return
	}

	if rest, ok := strings.CutPrefix(ln.Text, secretPrefix); ok {
		secret := strings.TrimSpace(rest)
		identity, held := s.state.takeIdentity()
		if !held {
			s.state.appendLog("warning: secret disclosed without a preceding identity")
			slog.WarnContext(ctx, "worker disclosed a secret without an identity")
			return
		}
		record := model.NewRegistrationRecord(identity, secret, model.OutcomeSuccess)
		if err := s.history.AppendRecord(record); err != nil {
			// in-memory record stands, only the save failed
			s.state.appendLog("warning: persisting registration record: " + err.Error())
			slog.ErrorContext(ctx, "persisting registration record", "error", err)
		} else {
			s.state.appendLog("recorded registration for " + identity)
		}
		s.state.advanceStep()
	}
}

func (s *Supervisor) emit() {
	if s.notify != nil {
		s.notify(s.state.Snapshot())
	}
}
