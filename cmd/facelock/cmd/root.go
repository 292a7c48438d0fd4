// Package cmd provides the CLI commands for facelock.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/facelock/facelock/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "facelock",
	Short: "facelock - face and keypad access terminal",
	Long: `facelock unlocks a door after three checks: an expression liveness
challenge, a face match against enrolled identities, and the identity's
5-digit keypad password.

Quick start:
  1. Create a config file: facelock.yaml
  2. Enroll someone: facelock identity add alice --image a.png --password-stdin
  3. Run: facelock start

Configuration:
  Config is loaded from facelock.yaml in the current directory,
  $HOME/.facelock/, or /etc/facelock/.

  Environment variables can override config values with the FACELOCK_ prefix.
  Example: FACELOCK_SERIAL_PORT=/dev/ttyUSB0

Commands:
  start       Start the terminal
  stop        Stop the running terminal
  identity    Manage enrolled identities
  config      Inspect the effective configuration
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./facelock.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
