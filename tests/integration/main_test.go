// Package integration exercises the broker end to end: a real
// broker.Broker wired to a websocket front-end, driven by the
// pkg/cillowclient SDK, backed by an in-process fake worker backend
// instead of a real interpreter so the suite needs nothing beyond the
// Go toolchain. The fake speaks the exact internal/wire pipe protocol
// cmd/cillow-workerd does; only the code-evaluation semantics inside
// RunCode are stubbed, since interpreting source code is out of this
// system's core scope.
package integration

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/synacktraa/cillow/internal/broker"
	"github.com/synacktraa/cillow/internal/shell"
	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/internal/workerproc"
)

// nextPort hands out distinct loopback ports so tests in this package
// never race each other for a listener.
var nextPort int32 = 19100

func testAddr() string {
	port := atomic.AddInt32(&nextPort, 1)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// startBroker wires cfg with a fake worker backend (unless the caller
// already set one) and runs it in the background, waiting for /healthz
// before returning. The returned func stops the broker and blocks until
// its Run goroutine has exited.
func startBroker(t *testing.T, cfg broker.Config) (addr string, stop func()) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = testAddr()
	}
	if cfg.Backend == nil {
		cfg.Backend = newFakeBackend()
	}

	b, err := broker.New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	waitHealthy(t, cfg.Addr)

	return cfg.Addr, func() {
		cancel()
		<-done
	}
}

func waitHealthy(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("broker at %s never became healthy", addr)
}

// makeEnvironment builds a throwaway directory that passes
// wire.Environment.Validate (it must contain lib/site-packages) and
// returns it as an Environment, the same shape a real virtualenv path
// would have.
func makeEnvironment(t *testing.T) wire.Environment {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib", "site-packages"), 0o755))
	return wire.Environment(dir)
}

// fakeBackend spawns an in-process goroutine worker instead of a real
// child process or container, wired through the same length-prefixed
// wire.WorkerFrame pipe protocol a real workerproc.Backend uses.
type fakeBackend struct{}

func newFakeBackend() workerproc.Backend { return fakeBackend{} }

func (fakeBackend) Name() string { return "fake" }

func (fakeBackend) Spawn(ctx context.Context, env wire.Environment) (*workerproc.Pipes, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer outW.Close()
		r := bufio.NewReader(inR)
		for {
			req, err := wire.ReadRequest(r)
			if err != nil {
				return
			}
			fakeDispatch(env, req, outW)
			if err := wire.WriteWorkerCompleted(outW); err != nil {
				return
			}
		}
	}()

	return &workerproc.Pipes{
		Stdin:     inW,
		Stdout:    outR,
		Terminate: func() error { return inR.Close() },
		Kill:      func() error { return inR.Close() },
		Wait: func(waitCtx context.Context) error {
			select {
			case <-done:
				return nil
			case <-waitCtx.Done():
				return waitCtx.Err()
			}
		},
	}, nil
}

// fakeDispatch handles one request the way cmd/cillow-workerd's worker
// would, except RunCode is serviced by a tiny stand-in evaluator
// (evalFakeCode) rather than a real language runtime.
func fakeDispatch(env wire.Environment, req wire.Request, out io.Writer) {
	switch req.Kind {
	case wire.KindSetEnvironmentVariables:
		// No observable effect the test suite checks; matches a worker
		// whose process environment a later RunCommand would see.

	case wire.KindRunCommand:
		sh, _ := shell.New("")
		_ = sh.Stream(context.Background(), req.RunCommand.Argv, nil, func(line string) {
			_ = wire.WriteWorkerFrame(out, wire.ResponseFrame{
				Kind:   wire.KindStream,
				Stream: &wire.StreamFrame{Kind: wire.StreamCmdExec, Text: line + "\n"},
			})
		})

	case wire.KindInstallRequirements:
		for _, req := range req.InstallRequirements.Requirements {
			_ = wire.WriteWorkerFrame(out, wire.ResponseFrame{
				Kind:   wire.KindStream,
				Stream: &wire.StreamFrame{Kind: wire.StreamCmdExec, Text: "Installed " + req + "\n"},
			})
		}

	case wire.KindRunCode:
		stdout, result, exc := evalFakeCode(req.RunCode.Code)
		for _, line := range stdout {
			_ = wire.WriteWorkerFrame(out, wire.ResponseFrame{
				Kind:   wire.KindStream,
				Stream: &wire.StreamFrame{Kind: wire.StreamStdout, Text: line},
			})
		}
		if exc != nil {
			_ = wire.WriteWorkerFrame(out, wire.ResponseFrame{Kind: wire.KindExceptionInfo, ExceptionInfo: exc})
			return
		}
		_ = wire.WriteWorkerFrame(out, wire.ResponseFrame{Kind: wire.KindResult, Result: result})
	}
}
