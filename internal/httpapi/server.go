// Package httpapi is the local HTTP surface of the daemon: run intake
// and lifecycle, thread session controls, scheduled task CRUD and the
// health probe. It binds loopback only; there is no auth layer.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jagc-sh/jagc/internal/runs"
	"github.com/jagc-sh/jagc/internal/store"
	"github.com/jagc-sh/jagc/internal/tasks"
)

// Server wires the mux over the run service, the task engine and the
// store.
type Server struct {
	svc     *runs.Service
	engine  *tasks.Engine
	store   *store.Store
	version string

	httpServer *http.Server
}

func NewServer(svc *runs.Service, engine *tasks.Engine, st *store.Store, version string) *Server {
	return &Server{svc: svc, engine: engine, store: st, version: version}
}

// BuildMux registers every route. Split out so tests can drive the
// handler tree through httptest without binding a port.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /v1/runs/{id}/wait", s.handleWaitRun)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)

	mux.HandleFunc("POST /v1/threads/{key}/cancel", s.handleCancelThread)
	mux.HandleFunc("GET /v1/threads/{key}/run", s.handleActiveRun)
	mux.HandleFunc("DELETE /v1/threads/{key}/session", s.handleResetSession)
	mux.HandleFunc("POST /v1/threads/{key}/session/share", s.handleShareSession)

	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /v1/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /v1/tasks/{id}/run-now", s.handleRunTaskNow)
	mux.HandleFunc("GET /v1/tasks/{id}/runs", s.handleListTaskRuns)

	return mux
}

// Start binds addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("http api listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}
