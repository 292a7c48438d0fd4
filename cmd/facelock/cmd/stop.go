package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/facelock/facelock/internal/adapter/outbound/lockfile"
	"github.com/facelock/facelock/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running terminal",
	Long: `Stop a running facelock terminal by reading the pid from its instance
lock file (<store.path>.lock) and sending SIGTERM. The terminal switches the
relay off before it exits.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	lockPath := lockFilePath(cfg)

	pid, err := lockfile.ReadPID(lockPath)
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	if pid == 0 {
		return fmt.Errorf("no lock file found at %s\nIs facelock running?", lockPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		return fmt.Errorf("facelock process %d is not running (stale lock file at %s)", pid, lockPath)
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "Stopping facelock (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop facelock: %w", err)
	}

	// Poll every 200ms, max 10s.
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			fmt.Fprintf(errOut, "Stopped.\n")
			return nil
		}
	}
	return fmt.Errorf("facelock (PID %d) did not stop within 10s", pid)
}

// lockFilePath is the single-instance lock next to the database.
func lockFilePath(cfg *config.Config) string {
	return cfg.Store.Path + ".lock"
}
