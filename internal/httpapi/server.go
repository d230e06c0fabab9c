// Package httpapi is the loopback control surface: plaintext HTTP on a
// local port, JSON bodies, permissive CORS, one request handled at a time.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/idforge/idforge/internal/account"
	"github.com/idforge/idforge/internal/deviceauth"
	"github.com/idforge/idforge/internal/model"
	"github.com/idforge/idforge/internal/runsup"
)

var endpoints = []string{
	"/get_device_auth_url",
	"/start_device_auth",
	"/poll_device_auth",
	"/reload_accounts",
	"/reset_device_identity",
	"/status",
	"/progress",
}

// Server serves the control endpoints. Requests are serialized by a single
// mutex; the consumers are local tools polling at human cadence, not a
// traffic source worth parallelizing.
type Server struct {
	supervisor *runsup.Supervisor
	poller     *deviceauth.Poller
	store      *account.Store
	identity   *deviceauth.Identity
	version    string

	mx      sync.Mutex
	baseCtx context.Context
}

func New(supervisor *runsup.Supervisor, poller *deviceauth.Poller, store *account.Store, identity *deviceauth.Identity, version string) *Server {
	return &Server{
		supervisor: supervisor,
		poller:     poller,
		store:      store,
		identity:   identity,
		version:    version,
		baseCtx:    context.Background(),
	}
}

// Run serves on the loopback interface until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	s.baseCtx = ctx

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listening on control port: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.InfoContext(ctx, "control surface listening", "addr", listener.Addr().String())
	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed, serialized handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/get_device_auth_url", s.handleAuthURL)
	mux.HandleFunc("/start_device_auth", s.handleStartAuth)
	mux.HandleFunc("/poll_device_auth", s.handlePollAuth)
	mux.HandleFunc("/reload_accounts", s.handleReloadAccounts)
	mux.HandleFunc("/reset_device_identity", s.handleResetIdentity)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/progress", s.handleProgress)
	mux.HandleFunc("/", s.handleNotFound)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mx.Lock()
		defer s.mx.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	var url *string
	if u := s.poller.CurrentAuthURL(); u != "" {
		url = &u
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) handleStartAuth(w http.ResponseWriter, r *http.Request) {
	// the background poll loop must outlive this request
	auth, err := s.poller.Start(s.baseCtx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"url":         auth.URL(),
		"device_code": auth.DeviceCode,
		"expires_in":  auth.ExpiresIn,
		"interval":    auth.Interval,
	})
}

func (s *Server) handlePollAuth(w http.ResponseWriter, r *http.Request) {
	outcome, acct, err := s.poller.PollPending(r.Context())
	switch {
	case errors.Is(err, model.ErrNoPendingAuth):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  "no pending authorization",
		})
	case outcome == deviceauth.Success && acct != nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "success",
			"email":      acct.Email,
			"account_id": acct.ID,
		})
	case outcome == deviceauth.Success:
		// grant completed but reconciliation failed
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
	case outcome == deviceauth.TransientError && err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": outcome.String()})
	}
}

func (s *Server) handleReloadAccounts(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Reload()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": count})
}

func (s *Server) handleResetIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity.Reset()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deviceId": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"version": s.version,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Snapshot())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":     "Not Found",
		"endpoints": endpoints,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding control response", "error", err)
	}
}
