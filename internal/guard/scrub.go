package guard

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
)

// scrubbedTypes are the entity types whose repeats are masked.
var scrubbedTypes = map[string]bool{
	classifier.TypeNationalID: true,
	classifier.TypeCreditCard: true,
	classifier.TypePhone:      true,
	classifier.TypeIBAN:       true,
}

// scrubRepeats keeps the first occurrence of each sensitive value and masks
// later ones. Values compare on their digits (phones on the last ten, so
// "+90 532..." and "0532..." are the same number). It returns the new text
// and the types that were masked.
func scrubRepeats(ctx context.Context, scanner *classifier.Scanner, text string) (string, []string) {
	c := scanner.Scan(ctx, text)
	if !c.HasPII {
		return text, nil
	}

	seen := make(map[string]bool)
	maskedTypes := make(map[string]bool)
	var b strings.Builder
	prev := 0
	for _, e := range classifier.Spans(c.Entities, text) {
		if !scrubbedTypes[e.Type] {
			continue
		}
		key := e.Type + ":" + valueKey(e)
		if !seen[key] {
			seen[key] = true
			continue
		}
		b.WriteString(text[prev:e.Position])
		b.WriteString(mask(e.Value))
		prev = e.End()
		maskedTypes[e.Type] = true
	}
	if len(maskedTypes) == 0 {
		return text, nil
	}
	b.WriteString(text[prev:])

	types := make([]string, 0, len(maskedTypes))
	for t := range maskedTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return b.String(), types
}

func valueKey(e classifier.PIIEntity) string {
	if e.Type == classifier.TypeIBAN {
		return strings.ToUpper(strings.ReplaceAll(e.Value, " ", ""))
	}
	d := classifier.DigitsOnly(e.Value)
	if e.Type == classifier.TypePhone && len(d) > 10 {
		d = d[len(d)-10:]
	}
	return d
}

// mask replaces every letter and digit except the last four with '*',
// keeping separators.
func mask(v string) string {
	runes := []rune(v)
	keep := 0
	for i := len(runes) - 1; i >= 0; i-- {
		if !unicode.IsLetter(runes[i]) && !unicode.IsDigit(runes[i]) {
			continue
		}
		if keep < 4 {
			keep++
			continue
		}
		runes[i] = '*'
	}
	return string(runes)
}
