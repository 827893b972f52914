// Package redaction scrubs secrets from prompts before they leave the
// machine. Diffs and file contents routinely contain credentials the
// author never meant to ship to a model provider.
package redaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Engine performs regex-based secret detection and redaction.
type Engine struct {
	patterns []*regexp.Regexp
}

// NewEngine creates a redaction engine with the default secret patterns.
func NewEngine() *Engine {
	return &Engine{patterns: defaultPatterns()}
}

// Redact replaces detected secrets with stable placeholders. The same
// secret always maps to the same placeholder, so a model can still see
// that two occurrences are the same value.
func (e *Engine) Redact(input string) string {
	placeholders := make(map[string]string)
	for _, pattern := range e.patterns {
		for _, match := range pattern.FindAllString(input, -1) {
			if _, seen := placeholders[match]; !seen {
				placeholders[match] = placeholder(match)
			}
		}
	}

	result := input
	for secret, ph := range placeholders {
		result = strings.ReplaceAll(result, secret, ph)
	}
	return result
}

// placeholder derives a stable marker from the secret's hash.
func placeholder(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("<REDACTED:%s>", hex.EncodeToString(sum[:])[:8])
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// OpenAI / Anthropic API keys
		`sk-[a-zA-Z0-9\-]{20,}`,
		// AWS access key ids
		`AKIA[0-9A-Z]{16}`,
		// AWS secret keys assigned near an "aws" identifier
		`aws.{0,20}?['"][0-9a-zA-Z/+]{40}['"]`,
		// GitHub tokens
		`gh[posr]_[a-zA-Z0-9]{20,}`,
		// Google API keys
		`AIza[0-9A-Za-z\-_]{35}`,
		// JWTs
		`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`,
		// PEM private keys
		`-----BEGIN\s+(?:RSA|EC|OPENSSH|DSA|ENCRYPTED)\s+PRIVATE\s+KEY-----[\s\S]*?-----END\s+(?:RSA|EC|OPENSSH|DSA|ENCRYPTED)\s+PRIVATE\s+KEY-----`,
		// Slack tokens
		`xox[baprs]-[a-zA-Z0-9\-]{10,}`,
		// Bearer headers
		`Bearer\s+[a-zA-Z0-9_\-\.]+`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}
