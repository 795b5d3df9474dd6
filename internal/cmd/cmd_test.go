package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{"version", "serve", "audit", "errors", "fingerprint", "config"}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Deterministic guard layer")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "audit")
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Warden")
	assert.Contains(t, out, "none")
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	for _, name := range []string{"config", "verbose", "log-level", "log-format", "otel"} {
		t.Run(name, func(t *testing.T) {
			assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "flag %q should be registered", name)
		})
	}
}

func TestRootCommand_UseAndShort(t *testing.T) {
	assert.Equal(t, "warden", rootCmd.Use)
	assert.Equal(t, "Deterministic guard layer for AI support assistants", rootCmd.Short)
}

func TestPackageLevelTracer_IsNotNil(t *testing.T) {
	assert.NotNil(t, tracer)
}

func TestFingerprintCommand_StableAcrossIDs(t *testing.T) {
	out1, err := execute(t, "fingerprint", "--category", "tool", "order 12345 not found")
	require.NoError(t, err)
	out2, err := execute(t, "fingerprint", "--category", "tool", "order 98765 not found")
	require.NoError(t, err)
	assert.Contains(t, out1, "fingerprint: ")
	assert.Equal(t, out1, out2)
}

func TestFingerprintCommand_RequiresMessage(t *testing.T) {
	assert.Error(t, fingerprintCmd.Args(fingerprintCmd, []string{}))
}
