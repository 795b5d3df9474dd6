// Package patterns provides the embedded default rule tables. pii.yaml uses
// the Presidio-compatible recognizer format with sensitivity and validator
// extensions; locales.yaml holds the per-locale guard rules and user-facing
// texts.
package patterns

import _ "embed"

//go:embed pii.yaml
var piiYAML []byte

//go:embed locales.yaml
var localesYAML []byte

// PIIYAML returns the embedded default PII recognizer definitions.
func PIIYAML() []byte { return piiYAML }

// LocalesYAML returns the embedded per-locale rule table.
func LocalesYAML() []byte { return localesYAML }
