package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/in-the-loop-labs/pair-review/internal/diff"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// locationKey identifies a finding's anchor for cross-voice agreement.
func locationKey(s domain.Suggestion) string {
	start, end := -1, -1
	if s.LineStart != nil {
		start = *s.LineStart
	}
	if s.LineEnd != nil {
		end = *s.LineEnd
	}
	return fmt.Sprintf("%s|%d|%d", s.File, start, end)
}

// agreement captures how many distinct voices anchored a finding at
// each location, and whether they disagreed about its nature.
type agreement struct {
	voices        map[string]bool
	types         map[domain.SuggestionType]bool
	minConfidence float64
}

// measureAgreement indexes per-voice findings by location before
// consolidation collapses them.
func measureAgreement(perVoice [][]domain.Suggestion) map[string]*agreement {
	index := make(map[string]*agreement)
	for _, voiceFindings := range perVoice {
		for _, s := range voiceFindings {
			key := locationKey(s)
			a, ok := index[key]
			if !ok {
				a = &agreement{
					voices:        make(map[string]bool),
					types:         make(map[domain.SuggestionType]bool),
					minConfidence: s.Confidence,
				}
				index[key] = a
			}
			a.voices[s.Voice] = true
			a.types[s.Type] = true
			if s.Confidence < a.minConfidence {
				a.minConfidence = s.Confidence
			}
		}
	}
	return index
}

// contradicts reports whether voices disagreed about a location's
// nature: one praising what another flags as a defect.
func (a *agreement) contradicts() bool {
	if !a.types[domain.SuggestionPraise] {
		return false
	}
	for t := range a.types {
		switch t {
		case domain.SuggestionBug, domain.SuggestionSecurity, domain.SuggestionPerformance:
			return true
		}
	}
	return false
}

// applyAgreementBoost adjusts consolidated confidences by cross-voice
// consensus: three or more agreeing voices add 0.2, two add 0.1, a
// single voice is unchanged, and a contradiction pins the finding to
// the minimum reported confidence less 0.1. Results cap at 1.0.
func applyAgreementBoost(consolidated []domain.Suggestion, index map[string]*agreement) []domain.Suggestion {
	out := make([]domain.Suggestion, len(consolidated))
	for i, s := range consolidated {
		a, ok := index[locationKey(s)]
		if !ok {
			out[i] = s
			continue
		}
		switch {
		case a.contradicts():
			s.Confidence = clamp01(a.minConfidence - 0.1)
		case len(a.voices) >= 3:
			s.Confidence = clamp01(s.Confidence + 0.2)
		case len(a.voices) == 2:
			s.Confidence = clamp01(s.Confidence + 0.1)
		}
		out[i] = s
	}
	return out
}

// formatSuggestionsForPrompt renders findings grouped by label for the
// consolidation and orchestration prompts.
func formatSuggestionsForPrompt(groups map[string][]domain.Suggestion) string {
	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var sb strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&sb, "## %s\n\n", label)
		for _, s := range groups[label] {
			anchor := "file-level"
			if s.LineStart != nil && s.LineEnd != nil {
				anchor = fmt.Sprintf("lines %d-%d", *s.LineStart, *s.LineEnd)
			}
			fmt.Fprintf(&sb, "- [%s] %s (%s, %s, confidence %.2f): %s\n",
				s.Type, s.Title, s.File, anchor, s.Confidence, s.Description)
			if s.SuggestionText != "" {
				fmt.Fprintf(&sb, "  suggested fix: %s\n", s.SuggestionText)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// orderFinal sorts the final suggestion list deterministically:
// canonical diff file order, then line_start ascending with file-level
// first, then confidence descending, then voice id, then title.
func orderFinal(suggestions []domain.Suggestion, unifiedDiff string) []domain.Suggestion {
	fileOrder := diff.FileOrder(unifiedDiff)
	rank := func(s domain.Suggestion) int {
		if r, ok := fileOrder[s.File]; ok {
			return r
		}
		return len(fileOrder) // files outside the diff sort last
	}

	out := make([]domain.Suggestion, len(suggestions))
	copy(out, suggestions)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if a.File != b.File {
			return a.File < b.File
		}
		la, lb := lineOrdinal(a), lineOrdinal(b)
		if la != lb {
			return la < lb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Voice != b.Voice {
			return a.Voice < b.Voice
		}
		return a.Title < b.Title
	})
	return out
}

// lineOrdinal places file-level suggestions before any line anchor.
func lineOrdinal(s domain.Suggestion) int {
	if s.IsFileLevel || s.LineStart == nil {
		return 0
	}
	return *s.LineStart
}
