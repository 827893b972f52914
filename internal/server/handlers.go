package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/progress"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

func (s *Server) handleSetupPR(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		s.writeError(w, badRequest(fmt.Errorf("invalid pull request number %q", chi.URLParam(r, "number"))))
		return
	}
	key := domain.PRKey{
		Owner:  chi.URLParam(r, "owner"),
		Repo:   chi.URLParam(r, "repo"),
		Number: number,
	}

	setupID, existing, reviewURL, err := s.setups.StartPR(r.Context(), key)
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	if existing {
		writeJSON(w, http.StatusOK, map[string]any{"existing": true, "review_url": reviewURL})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"setup_id": setupID})
}

func (s *Server) handleSetupLocal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
		return
	}

	setupID, err := s.setups.StartLocal(r.Context(), body.Path)
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"setup_id": setupID})
}

// handleSetupProgress streams a setup's named events as server-sent
// events: full history first, then live events until the terminal one.
func (s *Server) handleSetupProgress(w http.ResponseWriter, r *http.Request) {
	setupID := r.URL.Query().Get("setup_id")
	if setupID == "" {
		s.writeError(w, badRequest(fmt.Errorf("setup_id is required")))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	history, live, cancel := s.broker.Subscribe(setupID)
	defer cancel()

	writeEvent := func(e progress.Event) bool {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return false
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
		flusher.Flush()
		return e.Type != progress.EventComplete && e.Type != progress.EventError
	}

	for _, e := range history {
		if !writeEvent(e) {
			return
		}
	}
	for {
		select {
		case e, ok := <-live:
			if !ok {
				return
			}
			if !writeEvent(e) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type sessionView struct {
	ID             string             `json:"id"`
	Kind           string             `json:"kind"`
	PR             *domain.PRKey      `json:"pr,omitempty"`
	Local          *domain.LocalKey   `json:"local,omitempty"`
	Status         string             `json:"status"`
	Summary        string             `json:"summary,omitempty"`
	RemoteReviewID int64              `json:"remote_review_id,omitempty"`
	Snapshot       *domain.PRSnapshot `json:"snapshot,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (s *Server) sessionView(r *http.Request, session domain.Session, includeSnapshot bool) sessionView {
	view := sessionView{
		ID:             session.ID,
		Status:         string(session.Status),
		Summary:        session.Summary,
		RemoteReviewID: session.RemoteReviewID,
		PR:             session.PR,
		Local:          session.Local,
		CreatedAt:      session.CreatedAt,
		UpdatedAt:      session.UpdatedAt,
	}
	view.Kind = "local"
	if session.IsPR() {
		view.Kind = "pr"
	}
	if includeSnapshot && session.IsPR() {
		if snap, err := s.store.GetSnapshot(r.Context(), session.ID); err == nil {
			snap.UnifiedDiff = "" // served by the diff endpoint
			view.Snapshot = &snap
		}
	}
	return view
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, s.sessionView(r, session, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(r, session, true))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Summary            string `json:"summary"`
		CustomInstructions string `json:"custom_instructions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
		return
	}
	if err := s.store.UpdateSessionNotes(r.Context(), chi.URLParam(r, "id"), body.Summary, body.CustomInstructions); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDiff(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unified_diff":  snap.UnifiedDiff,
		"changed_files": snap.ChangedFiles,
	})
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	status := domain.SuggestionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.SuggestionActive, domain.SuggestionAdopted, domain.SuggestionDismissed:
	default:
		s.writeError(w, badRequest(fmt.Errorf("unknown suggestion status %q", status)))
		return
	}

	suggestions, err := s.store.ListSuggestions(r.Context(), chi.URLParam(r, "id"), store.SuggestionFilter{Status: status})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.runner.Cancel(chi.URLParam(r, "runID"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.store.ListComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		File      string `json:"file"`
		LineStart *int   `json:"line_start"`
		LineEnd   *int   `json:"line_end"`
		Side      string `json:"side"`
		Body      string `json:"body"`
		Author    string `json:"author"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
		return
	}
	if body.Body == "" {
		s.writeError(w, badRequest(fmt.Errorf("comment body is required")))
		return
	}

	now := time.Now()
	comment := domain.Comment{
		ID:        uuid.NewString(),
		SessionID: chi.URLParam(r, "id"),
		File:      body.File,
		LineStart: body.LineStart,
		LineEnd:   body.LineEnd,
		Side:      domain.Side(body.Side),
		Body:      body.Body,
		Author:    body.Author,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if comment.Side == "" {
		comment.Side = domain.SideNew
	}
	if err := s.store.CreateComment(r.Context(), comment); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
		return
	}
	if err := s.store.UpdateCommentBody(r.Context(), chi.URLParam(r, "commentID"), body.Body); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteComment(r.Context(), chi.URLParam(r, "commentID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdoptSuggestion converts an AI suggestion into a comment. A
// caller-supplied body wins; otherwise the suggestion text (falling
// back to the description) is prefilled verbatim.
func (s *Server) handleAdoptSuggestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body   string `json:"body"`
		Author string `json:"author"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
			return
		}
	}

	suggestion, err := s.store.GetSuggestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	text := body.Body
	if text == "" {
		text = suggestion.SuggestionText
	}
	if text == "" {
		text = suggestion.Description
	}

	now := time.Now()
	comment := domain.Comment{
		ID:        uuid.NewString(),
		SessionID: suggestion.SessionID,
		File:      suggestion.File,
		LineStart: suggestion.LineStart,
		LineEnd:   suggestion.LineEnd,
		Side:      suggestion.Side,
		Body:      text,
		Author:    body.Author,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.AdoptSuggestion(r.Context(), suggestion.ID, comment); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}
