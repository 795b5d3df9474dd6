package classifier

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RecognizerFile is the top-level shape of a recognizer YAML file
// (Presidio-compatible, plus the validator/sensitivity extensions).
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig describes one entity recognizer.
type RecognizerConfig struct {
	Name               string            `yaml:"name" json:"name"`
	SupportedEntity    string            `yaml:"supported_entity" json:"supported_entity"`
	Enabled            *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns           []PatternConfig   `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	SupportedLanguages []LanguageContext `yaml:"supported_languages,omitempty" json:"supported_languages,omitempty"`
	Sensitivity        int               `yaml:"sensitivity,omitempty" json:"sensitivity,omitempty"`
	Countries          []string          `yaml:"countries,omitempty" json:"countries,omitempty"`
	// Validator names a checksum gate: luhn, iban or tckn.
	Validator string `yaml:"validator,omitempty" json:"validator,omitempty"`
}

// PatternConfig is a single regex inside a recognizer.
type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// LanguageContext holds context words for one language.
type LanguageContext struct {
	Language string   `yaml:"language" json:"language"`
	Context  []string `yaml:"context,omitempty" json:"context,omitempty"`
}

func (r *RecognizerConfig) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ParseRecognizerFile parses recognizer YAML.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads a recognizer file from disk. A missing file
// yields (nil, nil) so an unset operator override is a no-op.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// MergeRecognizers layers recognizer sets. A later recognizer with the same
// Name replaces the earlier one in place; new names are appended.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig
	for _, layer := range layers {
		for _, rc := range layer {
			if idx, ok := index[rc.Name]; ok {
				merged[idx] = rc
				continue
			}
			index[rc.Name] = len(merged)
			merged = append(merged, rc)
		}
	}
	return merged
}

// FilterByEntities keeps recognizers whose entity is in enabled (when
// non-empty) and drops those listed in disabled.
func FilterByEntities(recognizers []RecognizerConfig, enabled, disabled []string) []RecognizerConfig {
	allow := toSet(enabled)
	deny := toSet(disabled)
	var out []RecognizerConfig
	for _, r := range recognizers {
		if len(allow) > 0 && !allow[r.SupportedEntity] {
			continue
		}
		if deny[r.SupportedEntity] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CompilePIIPatterns turns recognizers into runtime patterns. languages
// restricts which context words are attached; nil means all languages.
func CompilePIIPatterns(recognizers []RecognizerConfig, languages []string) ([]PIIPattern, error) {
	langs := toSet(languages)
	var out []PIIPattern
	for _, rec := range recognizers {
		if !rec.isEnabled() {
			continue
		}
		validate, err := validatorFor(rec.Validator)
		if err != nil {
			return nil, fmt.Errorf("recognizer %q: %w", rec.Name, err)
		}
		var words []string
		for _, lc := range rec.SupportedLanguages {
			if len(langs) == 0 || langs[lc.Language] {
				words = append(words, lc.Context...)
			}
		}
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in recognizer %q: %w", p.Name, rec.Name, err)
			}
			out = append(out, PIIPattern{
				Name:         rec.Name,
				Type:         entityToType(rec.SupportedEntity),
				Pattern:      re,
				Score:        p.Score,
				ContextWords: words,
				Countries:    rec.Countries,
				Sensitivity:  rec.Sensitivity,
				Validate:     validate,
			})
		}
	}
	return out, nil
}

var entityTypeMap = map[string]string{
	"EMAIL_ADDRESS":  "email",
	"PHONE_NUMBER":   "phone",
	"IBAN_CODE":      "iban",
	"CREDIT_CARD":    "credit_card",
	"TR_NATIONAL_ID": "national_id",
	"IP_ADDRESS":     "ip_address",
}

// entityToType maps a Presidio entity name to the internal type string.
// Unknown entities are lowercased.
func entityToType(entity string) string {
	if t, ok := entityTypeMap[entity]; ok {
		return t
	}
	return strings.ToLower(entity)
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}
