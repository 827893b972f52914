// Package server exposes the review core over a local HTTP API: setup
// endpoints with progress streams, session queries, analysis control,
// comments, and review submission, plus the websocket fabric.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/github"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm"
	"github.com/in-the-loop-labs/pair-review/internal/config"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/progress"
	"github.com/in-the-loop-labs/pair-review/internal/pubsub"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

// SetupStarter is the setup orchestration port.
type SetupStarter interface {
	StartPR(ctx context.Context, key domain.PRKey) (setupID string, existing bool, reviewURL string, err error)
	StartLocal(ctx context.Context, path string) (setupID string, err error)
}

// CouncilRunner is the analysis scheduling port.
type CouncilRunner interface {
	StartCouncil(ctx context.Context, sessionID string, cfg domain.CouncilConfig) (string, error)
	Cancel(runID string)
}

// Server carries the API dependencies.
type Server struct {
	store     store.Store
	setups    SetupStarter
	runner    CouncilRunner
	broker    *progress.Broker
	hub       *pubsub.Hub
	vcs       github.Client
	councils  map[string]config.CouncilPreset
	logger    *zap.Logger
}

// New wires a server.
func New(st store.Store, setups SetupStarter, runner CouncilRunner, broker *progress.Broker, hub *pubsub.Hub, vcs github.Client, councils map[string]config.CouncilPreset, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    st,
		setups:   setups,
		runner:   runner,
		broker:   broker,
		hub:      hub,
		vcs:      vcs,
		councils: councils,
		logger:   logger,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/setup", func(r chi.Router) {
		r.Post("/pr/{owner}/{repo}/{number}", s.handleSetupPR)
		r.Get("/pr/{owner}/{repo}/{number}/progress", s.handleSetupProgress)
		r.Post("/local", s.handleSetupLocal)
		r.Get("/local/progress", s.handleSetupProgress)
	})

	r.Get("/sessions", s.handleListSessions)
	r.Route("/session/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleDeleteSession)
		r.Put("/notes", s.handleUpdateNotes)
		r.Get("/diff", s.handleGetDiff)
		r.Get("/suggestions", s.handleListSuggestions)
		r.Get("/analyses", s.handleListRuns)
		r.Post("/analyses/council", s.handleStartCouncil)
		r.Post("/analyses/{runID}/cancel", s.handleCancelRun)
		r.Route("/comments", func(r chi.Router) {
			r.Get("/", s.handleListComments)
			r.Post("/", s.handleCreateComment)
			r.Put("/{commentID}", s.handleUpdateComment)
			r.Delete("/{commentID}", s.handleDeleteComment)
		})
		r.Post("/review", s.handleSubmitReview)
	})

	r.Post("/suggestions/{id}/adopt", s.handleAdoptSuggestion)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errBadRequest wraps caller input problems for status mapping.
type errBadRequest struct{ err error }

func (e errBadRequest) Error() string { return e.err.Error() }
func (e errBadRequest) Unwrap() error { return e.err }

func badRequest(err error) error { return errBadRequest{err: err} }

// writeJSON encodes a response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error onto the taxonomy's HTTP surface.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var br errBadRequest
	var llmErr *llm.Error
	switch {
	case errors.As(err, &br):
		status = http.StatusBadRequest
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case store.IsConflict(err):
		status = http.StatusConflict
	case errors.As(err, &llmErr):
		switch llmErr.Type {
		case llm.ErrTypeAuthentication:
			status = http.StatusUnauthorized
		case llm.ErrTypeTimeout:
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusBadGateway
		}
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		// Programmer errors are logged in full and reported generically.
		s.logger.Error("internal error", zap.Error(err))
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
