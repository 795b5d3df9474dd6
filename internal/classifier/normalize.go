package classifier

import (
	"regexp"
	"strings"
)

// Replacement tokens emitted by NormalizeDynamic.
const (
	TokenUUID      = "<uuid>"
	TokenTimestamp = "<ts>"
	TokenHex       = "<hex>"
	TokenEmail     = "<email>"
	TokenNumber    = "<n>"
)

// Order matters: wider shapes are replaced before the digit runs they contain.
var dynamicRules = []struct {
	re    *regexp.Regexp
	token string
}{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), TokenUUID},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)?\b`), TokenTimestamp},
	{regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:\.\d+)?\b`), TokenTimestamp},
	{regexp.MustCompile(`\b1\d{9}(?:\d{3})?\b`), TokenTimestamp},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), TokenEmail},
	{regexp.MustCompile(`(?i)\b(?:0x)?[0-9a-f]*\d[0-9a-f]*\b`), ""},
	{regexp.MustCompile(`\d+`), TokenNumber},
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeDynamic replaces request-specific tokens (UUIDs, timestamps, hex
// hashes, e-mail addresses, numbers) with fixed placeholders and collapses
// whitespace, so two messages describing the same fault compare equal.
func NormalizeDynamic(text string) string {
	out := text
	for _, r := range dynamicRules {
		if r.token == "" {
			out = r.re.ReplaceAllStringFunc(out, hexOrKeep)
			continue
		}
		out = r.re.ReplaceAllString(out, r.token)
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
}

// hexOrKeep replaces hash-like runs (8+ hex chars with at least one letter)
// and leaves plain numbers for the digit rule.
func hexOrKeep(s string) string {
	body := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(body) < 8 || strings.Trim(body, "0123456789") == "" {
		return s
	}
	return TokenHex
}

// NormalizeWhitespace collapses runs of whitespace and trims the ends.
func NormalizeWhitespace(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}
