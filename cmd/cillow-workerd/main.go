// Command cillow-workerd is the per-environment worker process: it hosts
// one interpreter, reading framed requests from stdin and writing framed
// responses (terminated by a completion sentinel) to stdout. It is
// spawned by internal/workerproc's exec or docker backend, never run
// directly by an end user, and exits either when its stdin pipe closes
// or the broker sends a signal to terminate it.
//
// This mirrors cillow's _process_event_loop, which runs in its own
// multiprocessing.Process and reads from an input queue until its parent
// signals it to stop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/internal/evalrt"
	"github.com/synacktraa/cillow/internal/evalrt/patch"
	"github.com/synacktraa/cillow/internal/shell"
	"github.com/synacktraa/cillow/internal/wire"
)

func main() {
	environment := flag.String("environment", string(wire.SystemEnvironment), "the environment this worker interprets for")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "workerd").Logger()

	env := wire.Environment(*environment)
	if v, ok := os.LookupEnv("CILLOW_WORKER_ENVIRONMENT"); ok && v != "" {
		env = wire.Environment(v)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sh, err := shell.New("")
	if err != nil {
		log.Fatal().Err(err).Msg("build shell")
	}

	w := &worker{
		env:      env,
		sh:       sh,
		eval:     patch.New[evalrt.Evaluator](evalrt.NewShellEvaluator(nil)),
		resolver: patch.New[evalrt.ImportResolver](evalrt.NewShellImportResolver(sh)),
		out:      os.Stdout,
		log:      log,
	}

	// run blocks reading stdin between requests, so a terminate signal is
	// watched here rather than only between requests inside run.
	runErr := make(chan error, 1)
	go func() { runErr <- w.run(ctx, os.Stdin) }()
	select {
	case err = <-runErr:
	case <-ctx.Done():
		err = nil
	}
	if err != nil && err != io.EOF {
		log.Error().Err(err).Msg("worker event loop exited with error")
		os.Exit(1)
	}
}

type worker struct {
	env wire.Environment
	sh  *shell.Shell
	// eval and resolver are Switchables rather than bare interfaces: the
	// extension points the spec's design notes call for, where a scoped
	// swap (e.g. CILLOW_DISABLE_AUTO_INSTALL suppressing auto-install
	// for one RunCode) pushes a replacement and pops it back afterward
	// instead of threading a boolean through every call site.
	eval     *patch.Switchable[evalrt.Evaluator]
	resolver *patch.Switchable[evalrt.ImportResolver]
	out      io.Writer
	outMu    sync.Mutex
	log      zerolog.Logger
}

func (w *worker) run(ctx context.Context, stdin io.Reader) error {
	r := bufio.NewReader(stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		req, err := wire.ReadRequest(r)
		if err != nil {
			return err
		}

		w.dispatch(ctx, req)
		if err := wire.WriteWorkerCompleted(w.out); err != nil {
			return fmt.Errorf("write completion sentinel: %w", err)
		}
	}
}

func (w *worker) dispatch(ctx context.Context, req wire.Request) {
	switch req.Kind {
	case wire.KindSetEnvironmentVariables:
		for k, v := range req.SetEnvironmentVariables.Variables {
			_ = os.Setenv(k, v)
		}

	case wire.KindRunCommand:
		err := w.sh.Stream(ctx, req.RunCommand.Argv, nil, func(line string) {
			w.emit(wire.ResponseFrame{Kind: wire.KindStream, Stream: &wire.StreamFrame{Kind: wire.StreamCmdExec, Text: line + "\n"}})
		})
		if err != nil {
			w.log.Debug().Err(err).Msg("run_command exited non-zero")
		}

	case wire.KindInstallRequirements:
		if err := w.resolver.Current().Install(ctx, w.env, req.InstallRequirements.Requirements, w.emit); err != nil {
			w.emit(wire.ResponseFrame{
				Kind:          wire.KindExceptionInfo,
				ExceptionInfo: &wire.ExceptionInfoFrame{TypeName: "InstallError", Message: err.Error()},
			})
		}

	case wire.KindRunCode:
		if isAutoInstallDisabled() {
			patch.With[evalrt.ImportResolver](w.resolver, evalrt.NewNoopImportResolver(), func() {
				w.runCode(ctx, req)
			})
		} else {
			w.runCode(ctx, req)
		}

	default:
		w.emit(wire.ResponseFrame{
			Kind:          wire.KindExceptionInfo,
			ExceptionInfo: &wire.ExceptionInfoFrame{TypeName: "UnsupportedRequest", Message: string(req.Kind) + " is not handled by a worker"},
		})
	}
}

// runCode installs every package the resolver reports the code imports
// (unless the resolver is currently patched to the no-op one), without
// checking which are already installed, then evaluates the code,
// emitting exactly one Result or ExceptionInfo frame.
func (w *worker) runCode(ctx context.Context, req wire.Request) {
	resolver := w.resolver.Current()
	if modules := resolver.Analyse(req.RunCode.Code); len(modules) > 0 {
		_ = resolver.Install(ctx, w.env, modules, w.emit)
	}
	result, exc := w.eval.Current().RunCode(ctx, w.env, req.RunCode.Code, w.emit)
	if exc != nil {
		w.emit(wire.ResponseFrame{Kind: wire.KindExceptionInfo, ExceptionInfo: exc})
	} else {
		w.emit(wire.ResponseFrame{Kind: wire.KindResult, Result: result})
	}
}

// emit serializes writes to stdout: RunCode relays stdout and stderr
// from two goroutines, each calling emit while one request is in flight.
func (w *worker) emit(frame wire.ResponseFrame) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if err := wire.WriteWorkerFrame(w.out, frame); err != nil {
		w.log.Error().Err(err).Msg("write response frame")
	}
}

func isAutoInstallDisabled() bool {
	switch strings.ToLower(os.Getenv("CILLOW_DISABLE_AUTO_INSTALL")) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
