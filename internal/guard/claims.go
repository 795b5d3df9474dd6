package guard

import (
	"strings"
	"unicode"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
)

// ClaimAudit records what the action-claim guard saw.
type ClaimAudit struct {
	ClaimsFound []string `json:"claims_found,omitempty"`
	Modified    bool     `json:"modified"`
}

// Fired reports whether any completed-action claim was found.
func (a ClaimAudit) Fired() bool { return len(a.ClaimsFound) > 0 }

// rewriteClaims replaces every sentence carrying a completed-action claim
// with the locale's tentative phrase, unless backed is true. Consecutive
// replaced sentences collapse into one phrase.
func rewriteClaims(text string, tables []*locale.Table, tentative string, backed bool) (string, ClaimAudit) {
	var audit ClaimAudit
	sentences := splitSentences(text)
	hits := make([]bool, len(sentences))
	seen := make(map[string]bool)

	for i, s := range sentences {
		for _, t := range tables {
			for _, r := range t.Claims {
				if !r.Match(s) {
					continue
				}
				hits[i] = true
				id := t.Code + ":" + r.Name
				if !seen[id] {
					seen[id] = true
					audit.ClaimsFound = append(audit.ClaimsFound, id)
				}
			}
		}
	}
	if !audit.Fired() || backed {
		return text, audit
	}

	var b strings.Builder
	prevReplaced := false
	for i, s := range sentences {
		if !hits[i] {
			b.WriteString(s)
			prevReplaced = false
			continue
		}
		lead, _, trail := splitSpace(s)
		if prevReplaced {
			continue
		}
		b.WriteString(lead)
		b.WriteString(tentative)
		b.WriteString(trail)
		prevReplaced = true
	}
	audit.Modified = true
	return b.String(), audit
}

// splitSentences cuts text after '.', '!', '?', '…' or a newline, keeping
// delimiters and the following whitespace with the sentence they end.
// Concatenating the result yields text.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	offsets := make([]int, len(runes)+1)
	pos := 0
	for i, r := range runes {
		offsets[i] = pos
		pos += len(string(r))
	}
	offsets[len(runes)] = pos

	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isTerminator(runes[j]) {
			j++
		}
		// a period between digits ("1.5") does not end a sentence
		if runes[i] == '.' && j == i+1 && i > 0 && j < len(runes) &&
			unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[j]) {
			continue
		}
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		out = append(out, text[offsets[start]:offsets[j]])
		start = j
		i = j - 1
	}
	if offsets[start] < len(text) {
		out = append(out, text[offsets[start]:])
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '\n':
		return true
	}
	return false
}

// splitSpace returns the leading whitespace, the body and the trailing
// whitespace of s.
func splitSpace(s string) (lead, body, trail string) {
	body = strings.TrimLeftFunc(s, unicode.IsSpace)
	lead = s[:len(s)-len(body)]
	trimmed := strings.TrimRightFunc(body, unicode.IsSpace)
	trail = body[len(trimmed):]
	return lead, trimmed, trail
}
