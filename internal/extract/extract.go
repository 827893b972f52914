// Package extract recovers JSON objects from free-form LLM output.
//
// Models are instructed to return a single JSON object, but responses
// arrive wrapped in markdown fences, preceded by prose, or truncated.
// Extract tries progressively looser strategies and reports which one
// succeeded, so orchestration is never lost to a parser failure.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// maxBraceScan bounds the balanced-brace scan so runaway input cannot
// stall extraction.
const maxBraceScan = 100_000

// previewLen is how much of the raw input an ExtractionError carries.
const previewLen = 500

// Strategy names the extraction path that produced a result.
type Strategy string

const (
	StrategyFencedJSON    Strategy = "fenced-json"
	StrategyFencedBlock   Strategy = "fenced-block"
	StrategyFirstLastPair Strategy = "first-last-brace"
	StrategyBalancedScan  Strategy = "balanced-scan"
	StrategyWholeText     Strategy = "whole-text"
)

// ExtractionError describes a total extraction failure.
type ExtractionError struct {
	Preview string // first 500 chars of the input
	Reason  string
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("json extraction failed: %s (preview: %q)", e.Reason, e.Preview)
}

var (
	// Strict: a fence explicitly labelled json.
	fencedJSONRegex = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")
	// Loose: any fence whose content is a brace-delimited object.
	fencedAnyRegex = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)```")
)

// Object extracts the first JSON object found in text. Strategies are
// tried in order; the first whose result parses to a JSON object (root
// type {}) wins. Object never panics; on total failure it returns an
// *ExtractionError with a bounded preview of the input.
func Object(text string) (map[string]any, Strategy, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, "", &ExtractionError{Preview: "", Reason: "empty input"}
	}

	type attempt struct {
		strategy  Strategy
		candidate string
	}

	var attempts []attempt

	if m := fencedJSONRegex.FindStringSubmatch(trimmed); m != nil {
		attempts = append(attempts, attempt{StrategyFencedJSON, strings.TrimSpace(m[1])})
	}
	for _, m := range fencedAnyRegex.FindAllStringSubmatch(trimmed, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") && strings.HasSuffix(body, "}") {
			attempts = append(attempts, attempt{StrategyFencedBlock, body})
		}
	}

	if first := strings.Index(trimmed, "{"); first >= 0 {
		if last := strings.LastIndex(trimmed, "}"); last > first {
			attempts = append(attempts, attempt{StrategyFirstLastPair, trimmed[first : last+1]})
		}
		if balanced := scanBalanced(trimmed[first:]); balanced != "" {
			attempts = append(attempts, attempt{StrategyBalancedScan, balanced})
		}
	}

	attempts = append(attempts, attempt{StrategyWholeText, trimmed})

	for _, a := range attempts {
		obj, ok := parseObject(a.candidate)
		if ok {
			return obj, a.strategy, nil
		}
	}

	preview := trimmed
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	return nil, "", &ExtractionError{Preview: preview, Reason: "no strategy produced a JSON object"}
}

// parseObject unmarshals candidate text and checks the root is an object.
func parseObject(candidate string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		return nil, false
	}
	return obj, true
}

// scanBalanced walks from the opening brace tracking nesting depth, honouring
// string literals and escapes, and returns the first balanced object. The
// scan inspects at most maxBraceScan characters.
func scanBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false

	limit := len(s)
	if limit > maxBraceScan {
		limit = maxBraceScan
	}

	for i := 0; i < limit; i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1]
				}
			}
		}
	}

	return ""
}

// Into extracts a JSON object from text and unmarshals it into out.
func Into(text string, out any) (Strategy, error) {
	obj, strategy, err := Object(text)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("re-encode extracted object: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return "", fmt.Errorf("decode extracted object: %w", err)
	}
	return strategy, nil
}
