// Package server exposes the memfork core over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/memory"
	"github.com/memfork/memfork/pkg/ratelimit"
)

// Config configures the HTTP server.
type Config struct {
	Host string
	Port int

	// APIKey gates every non-exempt route. Empty means open access.
	APIKey string

	// RateLimit is requests per minute per caller; 0 disables.
	RateLimit int
}

// Server is the HTTP transport over the memory service.
type Server struct {
	svc     *memory.Service
	cfg     Config
	limiter *ratelimit.Limiter
	http    *http.Server
}

// New builds the server and its router.
func New(svc *memory.Service, cfg Config) *Server {
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RateLimit, time.Minute),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.metricsMiddleware)

	// Exempt from auth and rate limiting.
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Post("/facts", s.handleWriteFact)
		r.Get("/facts/{id}", s.handleGetFact)
		r.Post("/observations", s.handleWriteObservation)
		r.Post("/relations", s.handleWriteRelation)
		r.Post("/backfill-embeddings", s.handleBackfill)

		r.Post("/search", s.handleSearch)
		r.Post("/search/cross-branch", s.handleSearchCrossBranch)
		r.Post("/search/observations", s.handleSearchObservations)

		r.Get("/branches", s.handleListBranches)
		r.Post("/branches", s.handleCreateBranch)
		r.Post("/branches/archive", s.handleArchiveBranch)
		r.Post("/branches/diff", s.handleDiffBranches)

		r.Post("/merge", s.handleMerge)
		r.Get("/merge/history", s.handleMergeHistory)
		r.Get("/merge-gate", s.handleMergeGate)

		r.Post("/consolidate", s.handleConsolidate)
		r.Get("/consolidate/history", s.handleConsolidationHistory)

		r.Post("/verify", s.handleVerify)
		r.Post("/verify/batch", s.handleBatchVerify)
		r.Post("/verify/manual", s.handleManualVerify)
		r.Get("/scores", s.handleScores)

		r.Post("/snapshots", s.handleCreateSnapshot)
		r.Get("/snapshots", s.handleListSnapshots)
		r.Post("/snapshots/{id}/restore", s.handleRestoreSnapshot)
		r.Post("/time-travel", s.handleTimeTravel)

		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Post("/conversations/{id}/messages", s.handleWriteMessage)
		r.Post("/conversations/{id}/fork", s.handleForkConversation)
		r.Post("/conversations/{id}/cherry-pick", s.handleCherryPickConversation)
		r.Post("/conversations/{id}/close", s.handleCloseConversation)
		r.Post("/conversations/diff", s.handleSemanticDiff)

		r.Post("/replays", s.handleCreateReplay)
		r.Get("/replays/{id}", s.handleGetReplay)
		r.Get("/replays/{id}/context", s.handleReplayContext)
		r.Post("/replays/{id}/complete", s.handleCompleteReplay)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/agents", s.handleAssignAgent)
		r.Post("/tasks/{id}/agents/complete", s.handleCompleteAgent)
		r.Post("/tasks/{id}/complete", s.handleCompleteTask)

		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/sessions/{id}/end", s.handleEndSession)

		r.Post("/bundles", s.handleCreateBundle)
		r.Get("/bundles/{id}", s.handleGetBundle)
		r.Post("/bundles/{id}/import", s.handleImportBundle)

		r.Post("/handoffs", s.handleCreateHandoff)
		r.Get("/handoffs/{id}", s.handleGetHandoff)

		r.Post("/templates", s.handleSaveTemplate)
		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates/{name}/apply", s.handleApplyTemplate)
		r.Post("/templates/{name}/deprecate", s.handleDeprecateTemplate)

		r.Get("/stats", s.handleStats)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server and stops the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Shutdown()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// shared helpers

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// respondErr maps the error taxonomy to HTTP status codes.
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errkind.KindOf(err) {
	case errkind.KindNotFound:
		status = http.StatusNotFound
	case errkind.KindInvalidArgument:
		status = http.StatusBadRequest
	case errkind.KindConflict:
		status = http.StatusConflict
	case errkind.KindPreconditionFailed:
		status = http.StatusPreconditionFailed
	case errkind.KindBackendUnavailable:
		status = http.StatusServiceUnavailable
	}

	body := map[string]string{
		"error": err.Error(),
		"kind":  errkind.KindOf(err).String(),
	}
	var typed *errkind.Error
	if errors.As(err, &typed) && typed.Field != "" {
		body["field"] = typed.Field
	}
	respond(w, status, body)
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errkind.Wrap(errkind.KindInvalidArgument, "invalid JSON body", err)
	}
	return nil
}
