package security

import (
	"log/slog"
	"regexp"
)

// RedactionPattern is a single named regex replacement rule.
type RedactionPattern struct {
	Name        string
	Pattern     string
	Replacement string
}

type compiledPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// LogRedactor strips sensitive substrings (API keys, tokens, passwords,
// emails, private key headers) out of strings before they reach a log sink.
// Patterns are compiled once at construction and reused for every Redact
// call; when nothing matches, Redact returns the input string unmodified.
type LogRedactor struct {
	patterns []compiledPattern
}

// NewLogRedactor builds a redactor with the default pattern set.
func NewLogRedactor() *LogRedactor {
	r := &LogRedactor{}
	for _, p := range defaultRedactionPatterns() {
		compiled, err := compilePattern(p)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, compiled)
	}
	return r
}

// WithPattern adds a custom redaction pattern, returning the receiver
// unchanged (besides logging a warning) if the pattern fails to compile.
func (r *LogRedactor) WithPattern(p RedactionPattern) *LogRedactor {
	compiled, err := compilePattern(p)
	if err != nil {
		slog.Default().Warn("failed to compile custom redaction pattern, skipping", "name", p.Name, "error", err)
		return r
	}
	r.patterns = append(r.patterns, compiled)
	return r
}

func compilePattern(p RedactionPattern) (compiledPattern, error) {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return compiledPattern{}, err
	}
	return compiledPattern{name: p.Name, re: re, replacement: p.replacementForGo()}, nil
}

// replacementForGo translates the $1/$2-free Rust-style "${1}"/"${2}"
// group references used in default patterns into Go's regexp replacement
// syntax, which is already "$1"/"${1}" compatible, so this is the identity
// — kept as a named step in case a future pattern needs translating.
func (p RedactionPattern) replacementForGo() string { return p.Replacement }

// Redact replaces every match of every pattern in input. Returns input
// unmodified (same underlying string, no allocation beyond the match scan)
// when no pattern matches.
func (r *LogRedactor) Redact(input string) string {
	if len(r.patterns) == 0 {
		return input
	}

	anyMatch := false
	for _, p := range r.patterns {
		if p.re.MatchString(input) {
			anyMatch = true
			break
		}
	}
	if !anyMatch {
		return input
	}

	result := input
	for _, p := range r.patterns {
		result = p.re.ReplaceAllString(result, p.replacement)
	}
	return result
}

// PatternCount returns the number of successfully compiled patterns.
func (r *LogRedactor) PatternCount() int { return len(r.patterns) }

func defaultRedactionPatterns() []RedactionPattern {
	return []RedactionPattern{
		{Name: "api_key", Pattern: `sk-(?:proj-)?[a-zA-Z0-9]{20,}`, Replacement: "[REDACTED_API_KEY]"},
		{Name: "bearer_token", Pattern: `Bearer\s+[a-zA-Z0-9_\-\.]{20,}`, Replacement: "[REDACTED_BEARER]"},
		{Name: "aws_key", Pattern: `AKIA[0-9A-Z]{16}`, Replacement: "[REDACTED_AWS_KEY]"},
		{Name: "aws_secret", Pattern: `(?i)(?:aws_secret_access_key|aws_secret|secret_key)\s*[=:]\s*[a-zA-Z0-9/+]{40}`, Replacement: "[REDACTED_AWS_SECRET]"},
		{Name: "password_in_url", Pattern: `(://[^:]+:)[^@]+(@)`, Replacement: "${1}[REDACTED]${2}"},
		{Name: "email", Pattern: `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, Replacement: "[REDACTED_EMAIL]"},
		{Name: "jwt", Pattern: `eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`, Replacement: "[REDACTED_JWT]"},
		{Name: "private_key", Pattern: `-----BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-----`, Replacement: "[REDACTED_PRIVATE_KEY]"},
		{Name: "hex_secret", Pattern: `(?i)(?:secret|token|key|password)\s*[=:]\s*[a-fA-F0-9]{32,}`, Replacement: "[REDACTED_HEX_SECRET]"},
	}
}
