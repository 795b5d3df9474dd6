// Package locale loads the per-locale rule table: completed-action claim
// patterns, recipient-expansion directives, the tentative replacement phrase
// and the user-facing texts. The embedded table can be layered with an
// operator file of the same shape.
package locale

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/patterns"
)

// Rule is a named, compiled pattern.
type Rule struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`

	re *regexp.Regexp
}

// Match reports whether text contains the pattern.
func (r Rule) Match(text string) bool { return r.re.MatchString(text) }

// Find returns the first match in text, or "".
func (r Rule) Find(text string) string { return r.re.FindString(text) }

// Messages are the user-facing texts of one locale.
type Messages struct {
	Fallback       string `yaml:"fallback"`
	Throttled      string `yaml:"throttled"`
	AskPrimary     string `yaml:"ask_primary"`
	AskName        string `yaml:"ask_name"`
	AskPhoneSuffix string `yaml:"ask_phone_suffix"`
	AskEmail       string `yaml:"ask_email"`
	Failed         string `yaml:"failed"`
	Locked         string `yaml:"locked"`
}

// Table is the rule set for one locale.
type Table struct {
	Code                string   `yaml:"-"`
	Claims              []Rule   `yaml:"claims"`
	Tentative           string   `yaml:"tentative"`
	RecipientDirectives []Rule   `yaml:"recipient_directives"`
	Messages            Messages `yaml:"messages"`
}

type file struct {
	DefaultLocale string            `yaml:"default_locale"`
	Locales       map[string]*Table `yaml:"locales"`
}

// Set holds every loaded locale.
type Set struct {
	defaultCode string
	tables      map[string]*Table
	codes       []string
}

// Load parses the embedded table and layers overridePath on top when it is
// non-empty and exists. Override locales replace the non-empty fields of the
// embedded locale of the same code; new codes are added.
func Load(overridePath string) (*Set, error) {
	base, err := parse(patterns.LocalesYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded locale table: %w", err)
	}
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading locale file %s: %w", overridePath, err)
		default:
			over, err := parse(data)
			if err != nil {
				return nil, fmt.Errorf("parsing locale file %s: %w", overridePath, err)
			}
			merge(base, over)
		}
	}
	return compile(base)
}

// MustLoad is Load with only the embedded table; it panics on error.
func MustLoad() *Set {
	s, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("locale.Load: %v", err))
	}
	return s
}

func parse(data []byte) (*file, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func merge(base, over *file) {
	if over.DefaultLocale != "" {
		base.DefaultLocale = over.DefaultLocale
	}
	if base.Locales == nil {
		base.Locales = make(map[string]*Table)
	}
	for code, ot := range over.Locales {
		bt, ok := base.Locales[code]
		if !ok {
			base.Locales[code] = ot
			continue
		}
		if len(ot.Claims) > 0 {
			bt.Claims = ot.Claims
		}
		if ot.Tentative != "" {
			bt.Tentative = ot.Tentative
		}
		if len(ot.RecipientDirectives) > 0 {
			bt.RecipientDirectives = ot.RecipientDirectives
		}
		mergeMessages(&bt.Messages, ot.Messages)
	}
}

func mergeMessages(dst *Messages, src Messages) {
	pick := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	pick(&dst.Fallback, src.Fallback)
	pick(&dst.Throttled, src.Throttled)
	pick(&dst.AskPrimary, src.AskPrimary)
	pick(&dst.AskName, src.AskName)
	pick(&dst.AskPhoneSuffix, src.AskPhoneSuffix)
	pick(&dst.AskEmail, src.AskEmail)
	pick(&dst.Failed, src.Failed)
	pick(&dst.Locked, src.Locked)
}

func compile(f *file) (*Set, error) {
	s := &Set{defaultCode: f.DefaultLocale, tables: make(map[string]*Table, len(f.Locales))}
	for code, t := range f.Locales {
		t.Code = code
		for i := range t.Claims {
			if err := compileRule(&t.Claims[i]); err != nil {
				return nil, fmt.Errorf("locale %s claim: %w", code, err)
			}
		}
		for i := range t.RecipientDirectives {
			if err := compileRule(&t.RecipientDirectives[i]); err != nil {
				return nil, fmt.Errorf("locale %s recipient directive: %w", code, err)
			}
		}
		s.tables[code] = t
		s.codes = append(s.codes, code)
	}
	sort.Strings(s.codes)
	if _, ok := s.tables[s.defaultCode]; !ok {
		return nil, fmt.Errorf("default locale %q has no table", s.defaultCode)
	}
	return s, nil
}

func compileRule(r *Rule) error {
	re, err := regexp.Compile(r.Regex)
	if err != nil {
		return fmt.Errorf("%s: %w", r.Name, err)
	}
	r.re = re
	return nil
}

// Normalize reduces a locale tag such as "tr-TR" or "EN_us" to its
// lower-case language code.
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	return code
}

// Codes returns the loaded locale codes in sorted order.
func (s *Set) Codes() []string { return append([]string(nil), s.codes...) }

// Default returns the default locale table.
func (s *Set) Default() *Table { return s.tables[s.defaultCode] }

// Lookup returns the table for code.
func (s *Set) Lookup(code string) (*Table, bool) {
	t, ok := s.tables[Normalize(code)]
	return t, ok
}

// Scan returns the tables a guard must apply for code: every loaded table,
// the locale's own table first (the default table first when code is
// unknown). Replies do not always come back in the session's language.
func (s *Set) Scan(code string) []*Table {
	first, ok := s.Lookup(code)
	if !ok {
		first = s.Default()
	}
	out := make([]*Table, 0, len(s.codes))
	out = append(out, first)
	for _, c := range s.codes {
		if c != first.Code {
			out = append(out, s.tables[c])
		}
	}
	return out
}

// Messages returns the texts for code, falling back to the default locale.
func (s *Set) Messages(code string) Messages {
	if t, ok := s.Lookup(code); ok {
		return t.Messages
	}
	return s.Default().Messages
}

// Tentative returns the tentative phrase for code, falling back to the
// default locale.
func (s *Set) Tentative(code string) string {
	if t, ok := s.Lookup(code); ok && t.Tentative != "" {
		return t.Tentative
	}
	return s.Default().Tentative
}
