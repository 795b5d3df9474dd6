// Command warden runs the guard sidecar and its operator tooling.
package main

import (
	"os"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
