package classifier

import (
	"fmt"
	"regexp"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/patterns"
)

// Sensitive entity types. The guard masks repeats of these.
const (
	TypeNationalID = "national_id"
	TypeCreditCard = "credit_card"
	TypePhone      = "phone"
	TypeIBAN       = "iban"
	TypeEmail      = "email"
)

// PIIPattern is a compiled recognizer pattern.
type PIIPattern struct {
	Name         string
	Type         string
	Pattern      *regexp.Regexp
	Score        float64
	ContextWords []string
	Countries    []string
	Sensitivity  int // 1-3, higher = more sensitive
	// Validate is an optional checksum gate applied to the raw match.
	Validate func(string) bool
}

// DefaultRecognizers returns the recognizers embedded from patterns/pii.yaml.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.PIIYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded PII patterns: %w", err)
	}
	return rf.Recognizers, nil
}

func validatorFor(name string) (func(string) bool, error) {
	switch name {
	case "":
		return nil, nil
	case "luhn":
		return func(v string) bool { return luhnValid(stripNonDigits(v)) }, nil
	case "iban":
		return func(v string) bool {
			clean := stripSpaces(v)
			return validateIBANLength(clean) && validateIBANChecksum(clean)
		}, nil
	case "tckn":
		return func(v string) bool { return tcknValid(stripNonDigits(v)) }, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", name)
	}
}
