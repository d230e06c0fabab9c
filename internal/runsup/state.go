package runsup

import (
	"sync"

	"github.com/idforge/idforge/internal/model"
)

// Run status tags, precedence error > running > completed > idle.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Snapshot is a fully-formed, observer-safe copy of the run state.
type Snapshot struct {
	Status       string   `json:"status"`
	CurrentStep  string   `json:"currentStep"`
	CurrentIndex uint     `json:"currentIndex"`
	TotalCount   uint     `json:"totalCount"`
	Logs         []string `json:"logs"`
	Error        *string  `json:"error,omitempty"`
}

// State is the process-wide record of a single registration run. All fields
// are guarded by one mutex; readers always observe a complete update. The
// pendingIdentity slot bridges an "identity disclosed" line to the matching
// "secret disclosed" line and is consumed at most once per value.
type State struct {
	mx              sync.Mutex
	running         bool
	cancelRequested bool
	stepIndex       uint
	totalSteps      uint
	currentStep     string
	logs            []string
	lastError       *string
	pendingIdentity *string
	cancelCh        chan struct{}
}

func NewState() *State {
	return &State{}
}

// begin resets the state for a fresh run. Returns ErrAlreadyRunning when a
// run is live; starting is an idempotent rejection, not a queue.
func (s *State) begin(totalSteps uint, initialLogs ...string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.running {
		return model.ErrAlreadyRunning
	}
	s.running = true
	s.cancelRequested = false
	s.stepIndex = 0
	s.totalSteps = totalSteps
	s.currentStep = "preparing"
	s.logs = append([]string(nil), initialLogs...)
	s.lastError = nil
	s.pendingIdentity = nil
	s.cancelCh = make(chan struct{})
	return nil
}

// RequestCancel flips the cooperative cancellation flag. The worker is
// killed only once the drain loop observes the flag (or the grace timer
// fires); cancellation latency is bound by worker output cadence.
func (s *State) RequestCancel() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.running {
		return model.ErrNotRunning
	}
	if !s.cancelRequested {
		s.cancelRequested = true
		s.logs = append(s.logs, "stopping registration run")
		close(s.cancelCh)
	}
	return nil
}

// Reset clears the state. Only permitted between runs.
func (s *State) Reset() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.running {
		return model.ErrAlreadyRunning
	}
	s.cancelRequested = false
	s.stepIndex = 0
	s.totalSteps = 0
	s.currentStep = ""
	s.logs = nil
	s.lastError = nil
	s.pendingIdentity = nil
	s.cancelCh = nil
	return nil
}

// Snapshot derives the externally visible status from the raw flags.
func (s *State) Snapshot() Snapshot {
	s.mx.Lock()
	defer s.mx.Unlock()

	status := StatusIdle
	switch {
	case s.lastError != nil:
		status = StatusError
	case s.running:
		status = StatusRunning
	case s.totalSteps > 0:
		status = StatusCompleted
	}

	return Snapshot{
		Status:       status,
		CurrentStep:  s.currentStep,
		CurrentIndex: s.stepIndex,
		TotalCount:   s.totalSteps,
		Logs:         append([]string(nil), s.logs...),
		Error:        s.lastError,
	}
}

func (s *State) cancelled() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.cancelRequested
}

// cancelChan returns the channel closed by RequestCancel. Valid only while
// a run is live.
func (s *State) cancelChan() <-chan struct{} {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.cancelCh
}

func (s *State) appendLog(lines ...string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.logs = append(s.logs, lines...)
}

// recordLine appends the raw line and promotes stdout lines to the current
// step label.
func (s *State) recordLine(text string, stderr bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.logs = append(s.logs, text)
	if !stderr {
		s.currentStep = text
	}
}

// holdIdentity stores a disclosed identity until the matching secret line.
func (s *State) holdIdentity(identity string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.pendingIdentity = &identity
}

// takeIdentity consumes the held identity, if any.
func (s *State) takeIdentity() (string, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.pendingIdentity == nil {
		return "", false
	}
	identity := *s.pendingIdentity
	s.pendingIdentity = nil
	return identity, true
}

func (s *State) advanceStep() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.stepIndex++
}

// markStopped stamps the cancelled terminal state.
func (s *State) markStopped() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.running = false
	s.logs = append(s.logs, "registration run stopped")
}

// finish stamps the natural terminal state from the process exit.
func (s *State) finish(exitErr *string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.running = false
	if exitErr == nil {
		s.currentStep = "registration completed"
		s.logs = append(s.logs, "registration run completed")
	} else {
		s.lastError = exitErr
		s.logs = append(s.logs, *exitErr)
	}
}

// fail stamps an environment fault (spawn failure etc.) before or during a
// run.
func (s *State) fail(msg string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.running = false
	s.lastError = &msg
	s.logs = append(s.logs, msg)
}
