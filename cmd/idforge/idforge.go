package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/idforge/idforge/internal/account"
	"github.com/idforge/idforge/internal/deviceauth"
	"github.com/idforge/idforge/internal/httpapi"
	"github.com/idforge/idforge/internal/log"
	"github.com/idforge/idforge/internal/model"
	"github.com/idforge/idforge/internal/runsup"

	"github.com/spf13/cobra"
)

// version is overridden at build time.
var version = "dev"

// app bundles the wired components every command operates on.
type app struct {
	store      *account.Store
	identity   *deviceauth.Identity
	supervisor *runsup.Supervisor
	poller     *deviceauth.Poller
}

func newApp(cfg model.Config) (*app, error) {
	store, err := account.Open(cfg.Service.DataDir)
	if err != nil {
		return nil, err
	}
	identity := deviceauth.NewIdentity(cfg.Service.DataDir)
	supervisor := runsup.NewSupervisor(store)
	poller := deviceauth.NewPoller(store, identity, cfg.Provider.StartURL, cfg.Provider.Region)
	return &app{
		store:      store,
		identity:   identity,
		supervisor: supervisor,
		poller:     poller,
	}, nil
}

// doRun is the daemon: the loopback control surface plus, in timer mode,
// the registration schedule. Runs until SIGINT/SIGTERM.
func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx, slog.Group("idforge",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(config)
	if err != nil {
		return err
	}

	if config.Service.Mode == model.ServiceModeTimer {
		scheduler, err := runsup.NewScheduler(ctx, config.Service.Schedule, func() {
			if _, err := a.supervisor.Start(ctx, config); err != nil {
				slog.ErrorContext(ctx, "scheduled run not started", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("timer mode failed: %w", err)
		}
		scheduler.Start()
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down scheduler has failed", "error", err)
			}
		}()
	}

	server := httpapi.New(a.supervisor, a.poller, a.store, a.identity, version)
	return server.Run(ctx, config.Service.HTTPPort)
}

// doRegister executes one registration run and blocks until it finishes.
func doRegister(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx, slog.Group("idforge",
		slog.String("cmd", "register"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(config)
	if err != nil {
		return err
	}

	handle, err := a.supervisor.Start(ctx, config)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if err := a.supervisor.Cancel(); err != nil && !errors.Is(err, model.ErrNotRunning) {
			return err
		}
		<-handle.Done()
	case <-handle.Done():
	}

	snap := a.supervisor.Snapshot()
	fmt.Printf("status: %s (%d/%d)\n", snap.Status, snap.CurrentIndex, snap.TotalCount)
	if snap.Error != nil {
		return errors.New(*snap.Error)
	}
	return nil
}

// doLogin drives one device-code grant in the foreground: print the
// verification URL, then poll until a terminal outcome.
func doLogin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx, slog.Group("idforge",
		slog.String("cmd", "login"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(config)
	if err != nil {
		return err
	}

	// foreground polling only
	auth, err := a.poller.ManualOnly().Start(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("visit %s\n", auth.URL())
	fmt.Printf("user code: %s\n", auth.UserCode)

	if flagLoginBrowser {
		if err := openLoginBrowser(ctx, auth.URL()); err != nil {
			slog.WarnContext(ctx, "opening browser", "error", err)
		}
	}

	interval := time.Duration(auth.Interval) * time.Second
	for {
		select {
		case <-ctx.Done():
			a.poller.Clear()
			return ctx.Err()
		case <-time.After(interval):
		}

		outcome, acct, err := a.poller.PollPending(ctx)
		switch outcome {
		case deviceauth.Success:
			if err != nil {
				return err
			}
			fmt.Printf("authorized: %s\n", acct.Email)
			return nil
		case deviceauth.Expired:
			return errors.New("authorization expired")
		case deviceauth.Denied:
			return errors.New("authorization denied")
		case deviceauth.SlowDown:
			interval += 5 * time.Second
		case deviceauth.Pending:
			// keep waiting
		case deviceauth.TransientError:
			if errors.Is(err, model.ErrNoPendingAuth) {
				return err
			}
			slog.DebugContext(ctx, "poll failed, retrying", "error", err)
		}
	}
}

// openLoginBrowser launches a throwaway Chrome profile at the verification
// URL so the user can approve the device code without touching their main
// browser session.
func openLoginBrowser(ctx context.Context, url string) error {
	chrome := ""
	if config.Browser.ChromePath != nil {
		chrome = *config.Browser.ChromePath
	}
	if chrome == "" {
		detected, err := runsup.DetectChromePath()
		if err != nil {
			return err
		}
		chrome = detected
	}

	args, port := runsup.BuildBrowserArgs(url, &config.Proxy)
	slog.DebugContext(ctx, "launching browser", "chrome", chrome, "debug_port", port)

	browser := exec.Command(chrome, args...)
	if err := browser.Start(); err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	return browser.Process.Release()
}

func doAccounts(cmd *cobra.Command, args []string) error {
	a, err := newApp(config)
	if err != nil {
		return err
	}
	accounts := a.store.Accounts()
	if len(accounts) == 0 {
		fmt.Println("no accounts")
		return nil
	}
	for _, acct := range accounts {
		provider := ""
		if acct.Provider != nil {
			provider = *acct.Provider
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", acct.Email, provider, acct.Status, acct.CreatedAt)
	}
	return nil
}

func doHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(config)
	if err != nil {
		return err
	}
	if flagHistoryExport != "" {
		if err := a.store.ExportHistory(flagHistoryExport); err != nil {
			return err
		}
		fmt.Printf("history written to %s\n", flagHistoryExport)
	}
	if flagHistoryClear {
		if err := a.store.ClearHistory(); err != nil {
			return err
		}
		fmt.Println("history cleared")
		return nil
	}
	records := a.store.History()
	if len(records) == 0 {
		fmt.Println("no history")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s\t%s\t%s\n", rec.Timestamp, rec.Email, rec.Status)
	}
	return nil
}
