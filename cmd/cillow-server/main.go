// Command cillow-server runs the broker: it accepts client websocket
// connections, registers their interpreter workers, and dispatches
// requests to them.
//
// Usage:
//
//	cillow-server [flags]
//
// Flags:
//
//	-a, --addr string       Listen address (default ":7337")
//	-b, --backend string    Worker backend: exec, docker (default "exec")
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/synacktraa/cillow/internal/broker"
	"github.com/synacktraa/cillow/internal/workerproc"
	_ "github.com/synacktraa/cillow/internal/workerproc/dockerbackend"
	_ "github.com/synacktraa/cillow/internal/workerproc/execbackend"
)

var (
	addr        string
	backendName string
	workerdPath string
	verbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "cillow-server",
		Short: "Run the cillow code-execution broker",
		RunE:  run,
	}
	root.Flags().StringVarP(&addr, "addr", "a", envOr("CILLOW_ADDR", ":7337"), "listen address")
	root.Flags().StringVarP(&backendName, "backend", "b", envOr("CILLOW_BACKEND", "exec"), "worker backend: exec, docker")
	root.Flags().StringVar(&workerdPath, "workerd-path", envOr("CILLOW_WORKERD_PATH", "cillow-workerd"), "path to the cillow-workerd binary")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("cillow-server exited")
	}
}

func run(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("CILLOW_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	backend, err := workerproc.NewBackend(backendName, map[string]any{"workerd_path": workerdPath})
	if err != nil {
		return err
	}

	b, err := broker.New(broker.Config{Addr: addr, Backend: backend}, log.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("addr", addr).Str("backend", backendName).Msg("cillow-server starting")
	return b.Run(ctx)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
