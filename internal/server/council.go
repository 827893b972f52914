package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/in-the-loop-labs/pair-review/internal/assemble"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// councilRequest is the analysis start payload. Exactly one of
// CouncilConfig and CouncilID is set; ConfigType disambiguates the
// config's shape when supplied.
type councilRequest struct {
	CouncilConfig json.RawMessage `json:"council_config"`
	CouncilID     string          `json:"council_id"`
	ConfigType    string          `json:"config_type"` // "council" or "advanced"
}

func (s *Server) handleStartCouncil(w http.ResponseWriter, r *http.Request) {
	var req councilRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
		return
	}

	cfg, err := s.resolveCouncil(req)
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}

	runID, err := s.runner.StartCouncil(r.Context(), chi.URLParam(r, "id"), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// resolveCouncil loads the council from the request or a stored
// preset, normalizing the advanced shape before validation.
func (s *Server) resolveCouncil(req councilRequest) (domain.CouncilConfig, error) {
	raw := req.CouncilConfig
	configType := req.ConfigType

	if len(raw) == 0 {
		if req.CouncilID == "" {
			return domain.CouncilConfig{}, fmt.Errorf("council_config or council_id is required")
		}
		preset, ok := s.councils[req.CouncilID]
		if !ok {
			return domain.CouncilConfig{}, fmt.Errorf("unknown council %q", req.CouncilID)
		}
		encoded, err := json.Marshal(preset.Config)
		if err != nil {
			return domain.CouncilConfig{}, fmt.Errorf("encode council preset: %w", err)
		}
		raw = encoded
		// The explicit config_type wins; otherwise the preset's
		// recorded type decides.
		if configType == "" {
			configType = preset.Type
		}
	}

	if configType == "" {
		configType = detectCouncilShape(raw)
	}

	return normalizeCouncil(raw, configType)
}

// detectCouncilShape sniffs the config form: a top-level voices array
// marks the voice-centric shape.
func detectCouncilShape(raw json.RawMessage) string {
	var probe struct {
		Voices []json.RawMessage `json:"voices"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Voices != nil {
		return "council"
	}
	return "advanced"
}

// normalizeCouncil decodes either accepted shape into the
// voice-centric form and validates it.
func normalizeCouncil(raw json.RawMessage, configType string) (domain.CouncilConfig, error) {
	var cfg domain.CouncilConfig

	switch configType {
	case "council":
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return domain.CouncilConfig{}, fmt.Errorf("decode council config: %w", err)
		}
	case "advanced":
		var adv domain.AdvancedCouncilConfig
		if err := json.Unmarshal(raw, &adv); err != nil {
			return domain.CouncilConfig{}, fmt.Errorf("decode advanced config: %w", err)
		}
		cfg = adv.Normalize()
	default:
		return domain.CouncilConfig{}, fmt.Errorf("unknown config type %q", configType)
	}

	if err := cfg.Validate(); err != nil {
		return domain.CouncilConfig{}, err
	}
	return cfg, nil
}

// handleSubmitReview assembles the session's comments into an outgoing
// review and posts it. An earlier draft's remote review id is
// superseded by the new submission.
func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Event string `json:"event"`
		Body  string `json:"body"`
		Split bool   `json:"split"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, badRequest(fmt.Errorf("decode request: %w", err)))
		return
	}

	sessionID := chi.URLParam(r, "id")
	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !session.IsPR() {
		s.writeError(w, badRequest(fmt.Errorf("local sessions cannot submit remote reviews")))
		return
	}

	snap, err := s.store.GetSnapshot(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	comments, err := s.store.ListComments(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	overflow := assemble.Refuse
	if body.Split {
		overflow = assemble.Split
	}
	out, err := assemble.Build(assemble.Input{
		Event:       body.Event,
		Body:        body.Body,
		Comments:    comments,
		UnifiedDiff: snap.UnifiedDiff,
		Overflow:    overflow,
	})
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}

	if err := s.store.UpdateSessionStatus(r.Context(), sessionID, domain.SessionSubmitting); err != nil {
		s.writeError(w, err)
		return
	}

	reviewID, err := s.vcs.SubmitReview(r.Context(), *session.PR, out.Review)
	if err != nil {
		// Back to draft so the caller can retry.
		_ = s.store.UpdateSessionStatus(r.Context(), sessionID, domain.SessionDraft)
		s.writeError(w, err)
		return
	}

	if err := s.store.SetRemoteReviewID(r.Context(), sessionID, reviewID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateSessionStatus(r.Context(), sessionID, domain.SessionSubmitted); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"remote_review_id": reviewID,
		"posted_comments":  len(out.Review.Comments),
		"deferred":         len(out.Deferred),
	})
}
