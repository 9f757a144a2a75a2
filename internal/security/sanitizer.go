package security

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Severity ranks how dangerous a detected injection pattern is, from least
// to most severe. Comparisons use the underlying int ordering.
type InjectionSeverity int

const (
	InjectionSeverityLow InjectionSeverity = iota
	InjectionSeverityMedium
	InjectionSeverityHigh
	InjectionSeverityCritical
)

func (s InjectionSeverity) String() string {
	switch s {
	case InjectionSeverityLow:
		return "low"
	case InjectionSeverityMedium:
		return "medium"
	case InjectionSeverityHigh:
		return "high"
	case InjectionSeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// InjectionWarning describes one detected prompt-injection pattern.
type InjectionWarning struct {
	Pattern     string
	Severity    InjectionSeverity
	Start       int
	End         int
	Description string
}

// SanitizedOutput is the result of running Sanitizer.Sanitize over content.
type SanitizedOutput struct {
	Content      string
	Warnings     []InjectionWarning
	WasModified  bool
}

var invisibleChars = map[rune]bool{
	'​': true, '‌': true, '‍': true, '﻿': true,
	'­': true, '‎': true, '‏': true, '‪': true,
	'‫': true, '‬': true, '‭': true, '‮': true,
	'⁠': true, '⁡': true, '⁢': true, '⁣': true,
	'⁤': true, '⁦': true, '⁧': true, '⁨': true,
	'⁩': true,
}

func stripInvisibleChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if invisibleChars[r] {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var cyrillicConfusables = map[rune]rune{
	'А': 'a', 'а': 'a',
	'В': 'b', 'в': 'b',
	'С': 'c', 'с': 'c',
	'Е': 'e', 'е': 'e',
	'Н': 'h', 'н': 'h',
	'К': 'k', 'к': 'k',
	'М': 'm', 'м': 'm',
	'О': 'o', 'о': 'o',
	'Р': 'p', 'р': 'p',
	'Т': 't', 'т': 't',
	'Х': 'x', 'х': 'x',
	'У': 'y', 'у': 'y',
}

func normalizeConfusables(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if repl, ok := cyrillicConfusables[r]; ok {
			b.WriteRune(repl)
			continue
		}
		if r >= '！' && r <= '～' {
			b.WriteRune(rune(r-0xFF01) + 0x21)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var numericEntityRe = regexp.MustCompile(`&#x?[0-9a-fA-F]+;`)

// decodeHTMLEntities decodes numeric (&#115; / &#x73;) and the common named
// entities so a detector working on raw bytes cannot be bypassed by encoding
// e.g. "system:" as "&#115;ystem:" (see the matching test for that exact
// bypass).
func decodeHTMLEntities(s string) string {
	decoded := numericEntityRe.ReplaceAllStringFunc(s, func(match string) string {
		entity := strings.TrimSuffix(strings.TrimPrefix(match, "&#"), ";")
		var codePoint int64
		var err error
		if strings.HasPrefix(entity, "x") || strings.HasPrefix(entity, "X") {
			codePoint, err = strconv.ParseInt(entity[1:], 16, 32)
		} else {
			codePoint, err = strconv.ParseInt(entity, 10, 32)
		}
		if err != nil || codePoint < 0 || codePoint > 0x10FFFF {
			return match
		}
		return string(rune(codePoint))
	})

	replacer := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
		"&quot;", `"`,
		"&apos;", "'",
	)
	return replacer.Replace(decoded)
}

func normalizeForDetection(content string) string {
	stripped := stripInvisibleChars(content)
	confusablesNormalized := normalizeConfusables(stripped)
	return decodeHTMLEntities(confusablesNormalized)
}

type literalPattern struct {
	text        string
	severity    InjectionSeverity
	description string
}

type regexPattern struct {
	name        string
	re          *regexp.Regexp
	severity    InjectionSeverity
	description string
}

// Sanitizer detects and neutralizes prompt-injection attempts in
// externally-sourced content (tool output, web fetches, attachments) before
// it re-enters a conversation.
type Sanitizer struct {
	literals []literalPattern
	regexes  []regexPattern
}

// NewSanitizer builds a sanitizer with the default detection patterns.
func NewSanitizer() *Sanitizer {
	literals := []literalPattern{
		{"ignore previous", InjectionSeverityHigh, "Attempt to override previous instructions"},
		{"ignore all previous", InjectionSeverityCritical, "Attempt to override all previous instructions"},
		{"disregard", InjectionSeverityMedium, "Potential instruction override"},
		{"forget everything", InjectionSeverityHigh, "Attempt to reset context"},
		{"you are now", InjectionSeverityHigh, "Attempt to change assistant role"},
		{"act as", InjectionSeverityMedium, "Potential role manipulation"},
		{"pretend to be", InjectionSeverityMedium, "Potential role manipulation"},
		{"system:", InjectionSeverityCritical, "Attempt to inject system message"},
		{"assistant:", InjectionSeverityHigh, "Attempt to inject assistant response"},
		{"user:", InjectionSeverityHigh, "Attempt to inject user message"},
		{"<|", InjectionSeverityCritical, "Potential special token injection"},
		{"|>", InjectionSeverityCritical, "Potential special token injection"},
		{"[INST]", InjectionSeverityCritical, "Potential instruction token injection"},
		{"[/INST]", InjectionSeverityCritical, "Potential instruction token injection"},
		{"new instructions", InjectionSeverityHigh, "Attempt to provide new instructions"},
		{"updated instructions", InjectionSeverityHigh, "Attempt to update instructions"},
		{"```system", InjectionSeverityHigh, "Potential code block instruction injection"},
		{"```bash\nsudo", InjectionSeverityMedium, "Potential dangerous command injection"},
	}

	regexes := []regexPattern{
		{"base64_payload", regexp.MustCompile(`(?i)(?:base64[:\s]+)?[A-Za-z0-9+/]{50,}={0,3}`), InjectionSeverityMedium, "Potential encoded payload"},
		{"eval_call", regexp.MustCompile(`(?i)eval\s*\(`), InjectionSeverityHigh, "Potential code evaluation attempt"},
		{"exec_call", regexp.MustCompile(`(?i)exec\s*\(`), InjectionSeverityHigh, "Potential code execution attempt"},
		{"null_byte", regexp.MustCompile("\x00"), InjectionSeverityCritical, "Null byte injection attempt"},
		{"sudo_in_codeblock", regexp.MustCompile("(?i)```\\w*\\s*\n?\\s*sudo\\b"), InjectionSeverityMedium, "Potential dangerous command injection"},
	}

	return &Sanitizer{literals: literals, regexes: regexes}
}

// Sanitize scans content for injection patterns against a Unicode-normalized
// copy, then escapes the ORIGINAL content if any Critical or High severity
// match was found.
func (s *Sanitizer) Sanitize(content string) SanitizedOutput {
	normalized := normalizeForDetection(content)
	var warnings []InjectionWarning

	lowerNormalized := strings.ToLower(normalized)
	for _, lit := range s.literals {
		needle := strings.ToLower(lit.text)
		start := 0
		for {
			idx := strings.Index(lowerNormalized[start:], needle)
			if idx < 0 {
				break
			}
			abs := start + idx
			warnings = append(warnings, InjectionWarning{
				Pattern:     lit.text,
				Severity:    lit.severity,
				Start:       abs,
				End:         abs + len(needle),
				Description: lit.description,
			})
			start = abs + len(needle)
		}
	}

	for _, rp := range s.regexes {
		for _, loc := range rp.re.FindAllStringIndex(normalized, -1) {
			warnings = append(warnings, InjectionWarning{
				Pattern:     rp.name,
				Severity:    rp.severity,
				Start:       loc[0],
				End:         loc[1],
				Description: rp.description,
			})
		}
	}

	sort.SliceStable(warnings, func(i, j int) bool { return warnings[i].Severity > warnings[j].Severity })

	hasCriticalOrHigh := false
	for _, w := range warnings {
		if w.Severity == InjectionSeverityCritical || w.Severity == InjectionSeverityHigh {
			hasCriticalOrHigh = true
			break
		}
	}

	out := content
	modified := false
	if hasCriticalOrHigh {
		out = s.escapeContent(content)
		modified = true
	}

	return SanitizedOutput{Content: out, Warnings: warnings, WasModified: modified}
}

// Detect runs Sanitize but discards the (possibly escaped) content,
// returning only the detected warnings.
func (s *Sanitizer) Detect(content string) []InjectionWarning {
	return s.Sanitize(content).Warnings
}

var roleMarkerRe = regexp.MustCompile(`(?i)\b(system|user|assistant)\s*:`)

func (s *Sanitizer) escapeContent(content string) string {
	escaped := stripInvisibleChars(content)

	escaped = strings.ReplaceAll(escaped, "<|", `\<|`)
	escaped = strings.ReplaceAll(escaped, "|>", `|\>`)
	escaped = strings.ReplaceAll(escaped, "[INST]", `\[INST]`)
	escaped = strings.ReplaceAll(escaped, "[/INST]", `\[/INST]`)
	escaped = strings.ReplaceAll(escaped, "\x00", "")

	escaped = roleMarkerRe.ReplaceAllString(escaped, "[ESCAPED:$1]:")

	return escaped
}
