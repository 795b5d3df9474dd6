package guard

import (
	"html"
	"net/mail"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
)

var (
	// headerLine matches address header lines a draft may smuggle in.
	headerLine = regexp.MustCompile(`(?im)^[ \t]*(?:to|cc|bcc|kime|an|reply-to)[ \t]*:[ \t]*(.+)$`)
	emailAddr  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	blockTags  = regexp.MustCompile(`(?i)<\s*(?:br|/p|/div|/li|/tr|/h[1-6])\b[^>]*>`)
)

var stripPolicy = bluemonday.StrictPolicy()

// htmlToText reduces an HTML e-mail body to plain text so guards scan what
// the recipient reads. Block-level breaks become newlines.
func htmlToText(body string) string {
	withBreaks := blockTags.ReplaceAllString(body, "\n")
	return html.UnescapeString(stripPolicy.Sanitize(withBreaks))
}

// recipientViolation returns a non-empty detail when the draft adds
// recipients beyond counterparty: structured recipients that differ, header
// lines naming another address, or a locale recipient directive.
func recipientViolation(text, counterparty string, recipients []string, tables []*locale.Table) string {
	cp := canonicalAddress(counterparty)

	for _, r := range recipients {
		addr := canonicalAddress(r)
		if addr == "" {
			continue
		}
		if cp == "" || addr != cp {
			return "structured_recipient"
		}
	}

	for _, m := range headerLine.FindAllStringSubmatch(text, -1) {
		for _, a := range emailAddr.FindAllString(m[1], -1) {
			if canonicalAddress(a) != cp {
				return "header_address"
			}
		}
	}

	for _, t := range tables {
		for _, r := range t.RecipientDirectives {
			if r.Match(text) {
				return "directive:" + t.Code + ":" + r.Name
			}
		}
	}
	return ""
}

// canonicalAddress lower-cases the address part of an e-mail or returns the
// trimmed, lower-cased input for non-email identifiers such as phone numbers.
func canonicalAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(s)
}
