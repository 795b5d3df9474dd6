// Package classifier detects and redacts PII and normalises dynamic tokens
// so that free text can be compared or hashed stably.
package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	wardenotel "github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier")

const (
	// DefaultMinScore is the minimum confidence a match needs after context
	// boosting.
	DefaultMinScore = 0.5

	// ContextSimilarityFactor is added to a match's score when a context
	// word appears nearby.
	ContextSimilarityFactor = 0.35

	// ContextWindowChars is how far before and after a match context words
	// are searched.
	ContextWindowChars = 100
)

// PIIEntity is one detected PII value.
type PIIEntity struct {
	Type        string  `json:"type"`
	Value       string  `json:"value"`
	Position    int     `json:"position"`
	Confidence  float64 `json:"confidence"`
	Sensitivity int     `json:"sensitivity"`
}

// End returns the byte offset just past the entity.
func (e PIIEntity) End() int { return e.Position + len(e.Value) }

// Classification is the result of a scan.
type Classification struct {
	HasPII   bool        `json:"has_pii"`
	Entities []PIIEntity `json:"entities"`
}

// Scanner detects PII with compiled recognizer patterns.
type Scanner struct {
	patterns []PIIPattern
	minScore float64
}

// ScannerOption configures a Scanner.
type ScannerOption func(*scannerConfig)

type scannerConfig struct {
	patternFile       string
	enabledEntities   []string
	disabledEntities  []string
	customRecognizers []RecognizerConfig
	languages         []string
	minScore          float64
}

// WithMinScore overrides DefaultMinScore.
func WithMinScore(score float64) ScannerOption {
	return func(c *scannerConfig) { c.minScore = score }
}

// WithPatternFile layers an operator recognizer file over the embedded
// defaults. A missing file is skipped.
func WithPatternFile(path string) ScannerOption {
	return func(c *scannerConfig) { c.patternFile = path }
}

// WithEnabledEntities restricts scanning to the given Presidio entity names.
func WithEnabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.enabledEntities = entities }
}

// WithDisabledEntities excludes the given Presidio entity names.
func WithDisabledEntities(entities []string) ScannerOption {
	return func(c *scannerConfig) { c.disabledEntities = entities }
}

// WithCustomRecognizers adds recognizers on top of the file layers.
func WithCustomRecognizers(recognizers []RecognizerConfig) ScannerOption {
	return func(c *scannerConfig) { c.customRecognizers = recognizers }
}

// WithLanguages limits context words to the given languages.
func WithLanguages(langs ...string) ScannerOption {
	return func(c *scannerConfig) { c.languages = langs }
}

// NewScanner builds a scanner from the embedded recognizers, then the
// optional pattern file, then custom recognizers.
func NewScanner(opts ...ScannerOption) (*Scanner, error) {
	var cfg scannerConfig
	for _, o := range opts {
		o(&cfg)
	}

	defaults, err := DefaultRecognizers()
	if err != nil {
		return nil, err
	}

	var fileRecs []RecognizerConfig
	if cfg.patternFile != "" {
		rf, err := LoadRecognizerFile(cfg.patternFile)
		if err != nil {
			return nil, fmt.Errorf("loading pattern file: %w", err)
		}
		if rf != nil {
			fileRecs = rf.Recognizers
		}
	}

	merged := MergeRecognizers(defaults, fileRecs, cfg.customRecognizers)
	merged = FilterByEntities(merged, cfg.enabledEntities, cfg.disabledEntities)

	compiled, err := CompilePIIPatterns(merged, cfg.languages)
	if err != nil {
		return nil, fmt.Errorf("compiling patterns: %w", err)
	}

	minScore := DefaultMinScore
	if cfg.minScore > 0 {
		minScore = cfg.minScore
	}
	return &Scanner{patterns: compiled, minScore: minScore}, nil
}

// MustNewScanner is NewScanner that panics on error.
func MustNewScanner(opts ...ScannerOption) *Scanner {
	s, err := NewScanner(opts...)
	if err != nil {
		panic(fmt.Sprintf("classifier.NewScanner: %v", err))
	}
	return s
}

// Scan returns every validated match above the minimum score. Matches of
// different recognizers may overlap; use Spans for a non-overlapping view.
func (s *Scanner) Scan(ctx context.Context, text string) *Classification {
	_, span := tracer.Start(ctx, "classifier.scan")
	defer span.End()

	result := &Classification{Entities: []PIIEntity{}}
	for _, p := range s.patterns {
		for _, m := range p.Pattern.FindAllStringIndex(text, -1) {
			value := text[m[0]:m[1]]
			if p.Validate != nil && !p.Validate(value) {
				continue
			}
			confidence := enhanceScoreWithContext(text, m[0], p.Score, p.ContextWords)
			if confidence < s.minScore {
				continue
			}
			result.Entities = append(result.Entities, PIIEntity{
				Type:        p.Type,
				Value:       value,
				Position:    m[0],
				Confidence:  confidence,
				Sensitivity: p.Sensitivity,
			})
		}
	}
	result.HasPII = len(result.Entities) > 0

	span.SetAttributes(
		attribute.Bool("pii.detected", result.HasPII),
		attribute.Int("pii.entity_count", len(result.Entities)),
	)
	return result
}

// Spans resolves overlapping entities into ordered, disjoint spans. When two
// matches overlap the union is kept under the more sensitive type.
func Spans(entities []PIIEntity, text string) []PIIEntity {
	sorted := append([]PIIEntity(nil), entities...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if len(a.Value) != len(b.Value) {
			return len(a.Value) > len(b.Value)
		}
		return a.Sensitivity > b.Sensitivity
	})

	var merged []PIIEntity
	for _, e := range sorted {
		if len(merged) == 0 || e.Position >= merged[len(merged)-1].End() {
			merged = append(merged, e)
			continue
		}
		last := &merged[len(merged)-1]
		if e.Sensitivity > last.Sensitivity {
			last.Type = e.Type
			last.Sensitivity = e.Sensitivity
		}
		if e.End() > last.End() {
			last.Value = text[last.Position:e.End()]
		}
	}
	return merged
}

// Redact replaces PII with upper-case type placeholders such as "[EMAIL]".
func (s *Scanner) Redact(ctx context.Context, text string) string {
	ctx, span := tracer.Start(ctx, "classifier.redact")
	defer span.End()

	c := s.Scan(ctx, text)
	if !c.HasPII {
		return text
	}
	spans := Spans(c.Entities, text)

	var b strings.Builder
	prev := 0
	for _, e := range spans {
		b.WriteString(text[prev:e.Position])
		b.WriteString("[" + strings.ToUpper(e.Type) + "]")
		prev = e.End()
	}
	b.WriteString(text[prev:])
	span.SetAttributes(attribute.Int("pii.redacted_count", len(spans)))
	return b.String()
}

// enhanceScoreWithContext boosts baseScore when any context word occurs
// within ContextWindowChars of position.
func enhanceScoreWithContext(text string, position int, baseScore float64, contextWords []string) float64 {
	if len(contextWords) == 0 {
		return baseScore
	}
	start := max(position-ContextWindowChars, 0)
	end := min(position+ContextWindowChars, len(text))
	window := strings.ToLower(text[start:end])
	for _, cw := range contextWords {
		if strings.Contains(window, strings.ToLower(cw)) {
			return baseScore + ContextSimilarityFactor
		}
	}
	return baseScore
}
