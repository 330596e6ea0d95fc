// Package cli is the cillow client CLI: a thin cobra wrapper around
// pkg/cillowclient for running code, starting a REPL, and inspecting
// environments against a running broker.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	verbose     bool
	jsonLog     bool
	addr        string
	environment string
)

// RootCmd is the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "cillow",
	Short: "Client for the cillow code-execution broker",
	Long: `cillow is the command-line client for a cillow broker: it runs
code, opens an interactive REPL, and lists live interpreter environments
against a running server.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute adds all child commands to RootCmd and runs it.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("CILLOW_ADDR", "localhost:7337"), "Broker address (host:port)")
	RootCmd.PersistentFlags().StringVarP(&environment, "environment", "e", "$system", "Interpreter environment to use")
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
