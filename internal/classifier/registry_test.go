package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecognizerFile(t *testing.T) {
	content := `
recognizers:
  - name: "Card"
    supported_entity: "CREDIT_CARD"
    patterns:
      - name: "card"
        regex: '\b\d{16}\b'
        score: 0.6
    supported_languages:
      - language: tr
        context: ["kart"]
    sensitivity: 3
    validator: luhn
`
	rf, err := ParseRecognizerFile([]byte(content))
	require.NoError(t, err)
	require.Len(t, rf.Recognizers, 1)

	r := rf.Recognizers[0]
	assert.True(t, r.isEnabled(), "nil Enabled defaults to true")
	assert.Equal(t, "luhn", r.Validator)
	assert.Equal(t, 3, r.Sensitivity)
	assert.Equal(t, []string{"kart"}, r.SupportedLanguages[0].Context)
}

func TestParseRecognizerFileInvalidYAML(t *testing.T) {
	_, err := ParseRecognizerFile([]byte(`{{{invalid`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing recognizer YAML")
}

func TestLoadRecognizerFileMissing(t *testing.T) {
	rf, err := LoadRecognizerFile("/nonexistent/file.yaml")
	require.NoError(t, err)
	assert.Nil(t, rf)
}

func TestMergeRecognizers(t *testing.T) {
	off := false
	defaults := []RecognizerConfig{
		{Name: "Email", SupportedEntity: "EMAIL_ADDRESS", Sensitivity: 1},
		{Name: "Phone", SupportedEntity: "PHONE_NUMBER", Sensitivity: 2},
	}
	operator := []RecognizerConfig{
		{Name: "Phone", SupportedEntity: "PHONE_NUMBER", Enabled: &off},
		{Name: "Loyalty", SupportedEntity: "LOYALTY_ID"},
	}

	merged := MergeRecognizers(defaults, operator)
	require.Len(t, merged, 3)
	assert.Equal(t, "Email", merged[0].Name)
	assert.Equal(t, "Phone", merged[1].Name)
	assert.False(t, merged[1].isEnabled(), "later layer replaces in place")
	assert.Equal(t, "Loyalty", merged[2].Name)
}

func TestFilterByEntities(t *testing.T) {
	recs := []RecognizerConfig{
		{Name: "Email", SupportedEntity: "EMAIL_ADDRESS"},
		{Name: "Phone", SupportedEntity: "PHONE_NUMBER"},
		{Name: "IBAN", SupportedEntity: "IBAN_CODE"},
	}

	tests := []struct {
		name     string
		enabled  []string
		disabled []string
		want     []string
	}{
		{name: "no filters", want: []string{"Email", "Phone", "IBAN"}},
		{name: "allow list", enabled: []string{"EMAIL_ADDRESS", "IBAN_CODE"}, want: []string{"Email", "IBAN"}},
		{name: "deny list", disabled: []string{"PHONE_NUMBER"}, want: []string{"Email", "IBAN"}},
		{name: "deny wins", enabled: []string{"EMAIL_ADDRESS", "PHONE_NUMBER"}, disabled: []string{"PHONE_NUMBER"}, want: []string{"Email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var names []string
			for _, r := range FilterByEntities(recs, tt.enabled, tt.disabled) {
				names = append(names, r.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestCompilePIIPatterns(t *testing.T) {
	off := false
	recs := []RecognizerConfig{
		{
			Name:            "TCKN",
			SupportedEntity: "TR_NATIONAL_ID",
			Patterns:        []PatternConfig{{Name: "tckn", Regex: `\b\d{11}\b`, Score: 0.6}},
			SupportedLanguages: []LanguageContext{
				{Language: "tr", Context: []string{"kimlik"}},
				{Language: "en", Context: []string{"id"}},
			},
			Sensitivity: 3,
			Validator:   "tckn",
		},
		{
			Name:            "Disabled",
			SupportedEntity: "NOPE",
			Enabled:         &off,
			Patterns:        []PatternConfig{{Name: "x", Regex: `x`, Score: 1}},
		},
	}

	compiled, err := CompilePIIPatterns(recs, []string{"tr"})
	require.NoError(t, err)
	require.Len(t, compiled, 1, "disabled recognizer is skipped")

	p := compiled[0]
	assert.Equal(t, TypeNationalID, p.Type)
	assert.Equal(t, []string{"kimlik"}, p.ContextWords)
	require.NotNil(t, p.Validate)
	assert.True(t, p.Validate("10000000146"))
	assert.False(t, p.Validate("10000000147"))
}

func TestCompilePIIPatternsInvalidRegex(t *testing.T) {
	_, err := CompilePIIPatterns([]RecognizerConfig{{
		Name:            "Bad Regex",
		SupportedEntity: "BAD",
		Patterns:        []PatternConfig{{Name: "invalid", Regex: `[invalid`, Score: 0.5}},
	}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiling pattern")
}

func TestEntityToType(t *testing.T) {
	tests := map[string]string{
		"EMAIL_ADDRESS":  "email",
		"PHONE_NUMBER":   "phone",
		"IBAN_CODE":      "iban",
		"CREDIT_CARD":    "credit_card",
		"TR_NATIONAL_ID": "national_id",
		"IP_ADDRESS":     "ip_address",
		"LOYALTY_ID":     "loyalty_id",
	}
	for entity, want := range tests {
		assert.Equal(t, want, entityToType(entity), entity)
	}
}

func TestDefaultRecognizers(t *testing.T) {
	recs, err := DefaultRecognizers()
	require.NoError(t, err)

	entities := make(map[string]bool)
	for _, r := range recs {
		entities[r.SupportedEntity] = true
	}
	for _, want := range []string{"EMAIL_ADDRESS", "PHONE_NUMBER", "IBAN_CODE", "CREDIT_CARD", "TR_NATIONAL_ID", "IP_ADDRESS"} {
		assert.True(t, entities[want], "missing %s", want)
	}
}

func TestValidators(t *testing.T) {
	assert.True(t, luhnValid("4111111111111111"))
	assert.False(t, luhnValid("4111111111111112"))
	assert.False(t, luhnValid("12a4567890123"))

	assert.True(t, validateIBANChecksum("DE89370400440532013000"))
	assert.True(t, validateIBANLength("DE89370400440532013000"))
	assert.False(t, validateIBANLength("DE8937040044053201300"))
	assert.False(t, validateIBANLength("XX89370400440532013000"))

	assert.True(t, tcknValid("10000000146"))
	assert.False(t, tcknValid("00000000146"), "leading zero")
	assert.False(t, tcknValid("1000000014"), "too short")
}
