package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/agentrun/internal/daemon"
)

var noWatch bool

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the agentrun daemon in the foreground",
	Long: `Run the agentrun daemon in the foreground until SIGINT or SIGTERM.
The daemon serves the gateway, keeps the event log and reloads engine
defaults when the config file changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload engine defaults when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d, PID file: %s)", pid, pidFile)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if !noWatch {
		if err := d.WatchConfig(loader); err != nil {
			log.Warn().Err(err).Msg("Config reload disabled")
		}
	}

	if err := d.Start(); err != nil {
		_ = d.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}
