package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/extract"
)

// reviewResponse is the JSON shape voices are instructed to return.
type reviewResponse struct {
	Summary     string          `json:"summary"`
	Suggestions []suggestionDTO `json:"suggestions"`
}

type suggestionDTO struct {
	File           string   `json:"file"`
	LineStart      *int     `json:"line_start"`
	LineEnd        *int     `json:"line_end"`
	Side           string   `json:"side"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	SuggestionText string   `json:"suggestion_text"`
	Confidence     float64  `json:"confidence"`
	Reasoning      []string `json:"reasoning"`
}

// parseVoiceResponse extracts and decodes a voice's review output.
func parseVoiceResponse(text, sessionID, voiceID string, now time.Time) ([]domain.Suggestion, error) {
	var resp reviewResponse
	if _, err := extract.Into(text, &resp); err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}

	suggestions := make([]domain.Suggestion, 0, len(resp.Suggestions))
	for _, dto := range resp.Suggestions {
		if dto.File == "" || dto.Title == "" {
			continue
		}
		s := domain.Suggestion{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			File:           dto.File,
			LineStart:      dto.LineStart,
			LineEnd:        dto.LineEnd,
			Side:           domain.SideNew,
			Type:           normalizeType(dto.Type),
			Title:          dto.Title,
			Description:    dto.Description,
			SuggestionText: dto.SuggestionText,
			Confidence:     clamp01(dto.Confidence),
			Reasoning:      dto.Reasoning,
			Status:         domain.SuggestionActive,
			Voice:          voiceID,
			CreatedAt:      now,
		}
		if dto.Side == string(domain.SideOld) {
			s.Side = domain.SideOld
		}
		if s.LineStart == nil && s.LineEnd == nil {
			s.IsFileLevel = true
		}
		// A range with only one bound collapses to a single line.
		if s.LineStart != nil && s.LineEnd == nil {
			s.LineEnd = s.LineStart
		}
		if s.LineEnd != nil && s.LineStart == nil {
			s.LineStart = s.LineEnd
		}
		// Praise carries no replacement text by contract.
		if s.Type == domain.SuggestionPraise {
			s.SuggestionText = ""
		}
		suggestions = append(suggestions, s)
	}
	return suggestions, nil
}

// normalizeType maps free-form model output onto the known types,
// defaulting to "suggestion".
func normalizeType(raw string) domain.SuggestionType {
	for _, t := range domain.KnownSuggestionTypes {
		if string(t) == raw {
			return t
		}
	}
	return domain.SuggestionSuggestion
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
