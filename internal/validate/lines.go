// Package validate enforces that suggestion coordinates exist in the
// target file before they are persisted.
package validate

import (
	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// UnknownLineCount is the sentinel for files that could not be read.
const UnknownLineCount = -1

// Policy controls what happens to a suggestion whose range is invalid.
type Policy int

const (
	// ConvertToFileLevel strips the line range and keeps the suggestion.
	ConvertToFileLevel Policy = iota
	// Drop discards the suggestion entirely.
	Drop
)

// Result partitions the input suggestions. Every input lands in exactly
// one bucket: len(input) == len(Valid) + len(Converted) + len(Dropped).
type Result struct {
	Valid     []domain.Suggestion
	Converted []domain.Suggestion
	Dropped   []domain.Suggestion
}

// Lines validates each suggestion against the file line counts.
//
// Pass-through cases (kept in Valid unchanged): file-level suggestions,
// files absent from the map, and files with the UnknownLineCount sentinel.
// A zero line count or any boundary violation sends the suggestion to
// Converted or Dropped per the policy. Converted suggestions retain every
// non-coordinate attribute.
func Lines(suggestions []domain.Suggestion, lineCounts map[string]int, policy Policy) Result {
	var res Result

	for _, s := range suggestions {
		if s.IsFileLevel || (s.LineStart == nil && s.LineEnd == nil) {
			res.Valid = append(res.Valid, normalizeFileLevel(s))
			continue
		}

		count, known := lineCounts[s.File]
		if !known || count == UnknownLineCount {
			res.Valid = append(res.Valid, s)
			continue
		}

		if rangeValid(s, count) {
			res.Valid = append(res.Valid, s)
			continue
		}

		switch policy {
		case ConvertToFileLevel:
			res.Converted = append(res.Converted, s.AsFileLevel())
		default:
			res.Dropped = append(res.Dropped, s)
		}
	}

	return res
}

// rangeValid reports whether the suggestion's range fits in a file of
// the given line count.
func rangeValid(s domain.Suggestion, count int) bool {
	if count == 0 {
		return false
	}
	start, end := *s.LineStart, *s.LineEnd
	return start >= 1 && end >= start && end <= count
}

// normalizeFileLevel makes a half-set range consistent: a suggestion
// with no coordinates is file-level regardless of what the voice claimed.
func normalizeFileLevel(s domain.Suggestion) domain.Suggestion {
	if !s.IsFileLevel {
		return s.AsFileLevel()
	}
	return s
}
