package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/agentrun/internal/daemon"
	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/protocol"
)

var (
	runFile    string
	runAgentID string
	runQuery   string
	runID      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an agent once and print its events",
	Long: `Run an agent once in-process and print every protocol event to stdout
as one JSON object per line.

The request comes from --file, a JSON run request with "agent", "transcript"
and "query" fields, from --agent naming an agent in the config, or both:
--agent replaces the file's agent and --query replaces its query.`,
	Example: `  agentrun run --agent helper --query "What changed in v2?"
  agentrun run --file request.json`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "JSON run request")
	runCmd.Flags().StringVarP(&runAgentID, "agent", "a", "", "configured agent id")
	runCmd.Flags().StringVarP(&runQuery, "query", "q", "", "user query")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	rootCmd.AddCommand(runCmd)
}

// runner is the part of the daemon the run command needs.
type runner interface {
	Run(ctx context.Context, req agent.RunRequest, sink protocol.Sink) (*agent.RunResult, error)
	Agent(id string) (agent.AgentDefinition, bool)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runFile == "" && runAgentID == "" {
		return fmt.Errorf("either --file or --agent is required")
	}

	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// A local run needs neither the gateway nor its secret.
	cfg.Gateway.Enabled = false

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	req, err := buildRunRequest(d, runFile, runAgentID, runQuery)
	if err != nil {
		return err
	}
	req.RunID = runID

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := streamRun(ctx, d, req, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s %s (%d model calls, %d tool calls)\n",
		result.RunID, result.Outcome, result.ModelCalls, result.ToolCalls)
	return nil
}

// buildRunRequest merges the request file with the command-line overrides.
func buildRunRequest(r runner, file, agentID, query string) (agent.RunRequest, error) {
	var req agent.RunRequest
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("failed to read run request: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse run request %s: %w", file, err)
		}
	}
	if agentID != "" {
		def, ok := r.Agent(agentID)
		if !ok {
			return req, fmt.Errorf("agent %s is not configured", agentID)
		}
		req.Agent = def
	}
	if query != "" {
		req.Query = query
	}
	if req.Query == "" && len(req.Transcript) == 0 {
		return req, fmt.Errorf("a query or a transcript is required")
	}
	return req, nil
}

// streamRun runs req and writes each event to w as a JSON line.
func streamRun(ctx context.Context, r runner, req agent.RunRequest, w io.Writer) (*agent.RunResult, error) {
	var (
		mu       sync.Mutex
		writeErr error
	)
	enc := json.NewEncoder(w)
	sink := protocol.SinkFunc(func(e protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		if writeErr != nil {
			return
		}
		writeErr = enc.Encode(e)
	})

	result, err := r.Run(ctx, req, sink)
	if err != nil {
		return result, err
	}

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		return result, fmt.Errorf("failed to write events: %w", writeErr)
	}
	return result, nil
}
