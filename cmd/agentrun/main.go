// Command agentrun runs LLM agents and streams their steps as protocol events.
//
//	agentrun serve --config ~/.agentrun/config.json
//	agentrun run --agent helper --query "Summarize the release notes"
//	agentrun status
//
// Every config key can be overridden from the environment with the
// AGENTRUN_ prefix, for example AGENTRUN_PROVIDERS_ANTHROPIC_API_KEY.
package main

import (
	"os"

	"github.com/harun/agentrun/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
