package runsup_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/idforge/idforge/internal/account"
	"github.com/idforge/idforge/internal/model"
	"github.com/idforge/idforge/internal/runsup"

	"github.com/stretchr/testify/require"
)

// testConfig materializes script as the worker and points the interpreter at
// bash, so tests drive the real spawn/stream/drain path without Python.
func testConfig(t *testing.T, script string) model.Config {
	t.Helper()

	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skipf("skipped, binary bash not available: %v", err)
	}

	dataDir := t.TempDir()
	path := runsup.ScriptPath(dataDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(script), 0700))

	cfg := model.DefaultConfig()
	cfg.Mail.IMAPServer = "imap.example.com"
	cfg.Mail.Address = "inbox@example.com"
	cfg.Mail.Password = "hunter2"
	cfg.Register.IdentityPrefix = "acct"
	cfg.Register.IdentityDomain = "@example.com"
	cfg.Interpreter.AutoDetect = false
	cfg.Interpreter.Path = &bash
	cfg.Service.DataDir = dataDir
	return cfg
}

func waitDone(t *testing.T, handle *runsup.RunHandle, d time.Duration) {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(d):
		t.Fatal("run did not reach a terminal state in time")
	}
}

func TestSupervisorCompletedRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
echo "opening registration form"
echo "identity disclosed: a@b.com"
echo "secret disclosed: Sx9!aB2k"
exit 0
`)

	store, err := account.Open(cfg.Service.DataDir)
	require.NoError(t, err)

	var mx sync.Mutex
	var notified int
	sup := runsup.NewSupervisor(store).WithNotifier(func(runsup.Snapshot) {
		mx.Lock()
		notified++
		mx.Unlock()
	})

	handle, err := sup.Start(t.Context(), cfg)
	require.NoError(t, err)
	waitDone(t, handle, 10*time.Second)

	snap := sup.Snapshot()
	require.Equal(t, runsup.StatusCompleted, snap.Status)
	require.Nil(t, snap.Error)
	require.Equal(t, uint(1), snap.CurrentIndex)
	require.Contains(t, snap.Logs, "opening registration form")
	require.Contains(t, snap.Logs, "captured identity: a@b.com")
	require.Contains(t, snap.Logs, "recorded registration for a@b.com")

	history := store.History()
	require.Len(t, history, 1)
	require.Equal(t, "a@b.com", history[0].Email)
	require.Equal(t, "Sx9!aB2k", history[0].Password)
	require.Equal(t, model.OutcomeSuccess, history[0].Status)

	mx.Lock()
	defer mx.Unlock()
	require.Greater(t, notified, 0)
}

func TestSupervisorOrphanSecret(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
echo "secret disclosed: lonely"
exit 0
`)

	store, err := account.Open(cfg.Service.DataDir)
	require.NoError(t, err)
	sup := runsup.NewSupervisor(store)

	handle, err := sup.Start(t.Context(), cfg)
	require.NoError(t, err)
	waitDone(t, handle, 10*time.Second)

	snap := sup.Snapshot()
	require.Equal(t, runsup.StatusCompleted, snap.Status)
	require.Contains(t, snap.Logs, "warning: secret disclosed without a preceding identity")
	require.Empty(t, store.History())
}

func TestSupervisorWorkerFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
echo "about to die"
exit 3
`)

	store, err := account.Open(cfg.Service.DataDir)
	require.NoError(t, err)
	sup := runsup.NewSupervisor(store)

	handle, err := sup.Start(t.Context(), cfg)
	require.NoError(t, err)
	waitDone(t, handle, 10*time.Second)

	snap := sup.Snapshot()
	require.Equal(t, runsup.StatusError, snap.Status)
	require.NotNil(t, snap.Error)
	require.Contains(t, *snap.Error, "code 3")
}

func TestSupervisorStderrTagging(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
echo "progress"
echo "diagnostic" 1>&2
exit 0
`)

	store, err := account.Open(cfg.Service.DataDir)
	require.NoError(t, err)
	sup := runsup.NewSupervisor(store)

	handle, err := sup.Start(t.Context(), cfg)
	require.NoError(t, err)
	waitDone(t, handle, 10*time.Second)

	snap := sup.Snapshot()
	require.Contains(t, snap.Logs, "[stderr] diagnostic")
	// stderr never becomes the step label
	require.NotEqual(t, "[stderr] diagnostic", snap.CurrentStep)
}

func TestSupervisorCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
while true; do
  echo "tick"
  sleep 0.05
done
`)

	store, err := account.Open(cfg.Service.DataDir)
	require.NoError(t, err)
	sup := runsup.NewSupervisor(store)

	handle, err := sup.Start(t.Context(), cfg)
	require.NoError(t, err)

	_, err = sup.Start(t.Context(), cfg)
	require.ErrorIs(t, err, model.ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		return sup.Snapshot().Status == runsup.StatusRunning && len(sup.Snapshot().Logs) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Cancel())
	waitDone(t, handle, 10*time.Second)

	snap := sup.Snapshot()
	require.Contains(t, snap.Logs, "stopping registration run")
	require.Contains(t, snap.Logs, "registration run stopped")
	require.Nil(t, snap.Error)
}

func TestSupervisorCancelSilentWorker(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
echo "only line"
sleep 60
`)

	store, err := account.Open(cfg.Service.DataDir)
	require.NoError(t, err)
	sup := runsup.NewSupervisor(store)

	handle, err := sup.Start(t.Context(), cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		logs := sup.Snapshot().Logs
		return len(logs) > 0 && logs[len(logs)-1] == "only line"
	}, 5*time.Second, 10*time.Millisecond)

	// no further output: the grace timer has to kill the worker
	require.NoError(t, sup.Cancel())
	waitDone(t, handle, 10*time.Second)

	require.Contains(t, sup.Snapshot().Logs, "registration run stopped")
}

func TestSupervisorCancelNotRunning(t *testing.T) {
	t.Parallel()
	store, err := account.Open(t.TempDir())
	require.NoError(t, err)
	sup := runsup.NewSupervisor(store)

	require.ErrorIs(t, sup.Cancel(), model.ErrNotRunning)
}

func TestSupervisorReset(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `exit 0`)

	store, err := account.Open(cfg.Service.DataDir)
	require.NoError(t, err)
	sup := runsup.NewSupervisor(store)

	handle, err := sup.Start(t.Context(), cfg)
	require.NoError(t, err)
	waitDone(t, handle, 10*time.Second)

	require.NoError(t, sup.Reset())
	snap := sup.Snapshot()
	require.Equal(t, runsup.StatusIdle, snap.Status)
	require.Empty(t, snap.Logs)
}
