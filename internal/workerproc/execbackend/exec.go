// Package execbackend spawns each worker as a plain child process of the
// broker, running the cillow-workerd binary with its stdin/stdout wired
// to the framed wire protocol. This is the default backend: OS-level
// process isolation, no container runtime required.
package execbackend

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/internal/workerproc"
)

func init() {
	workerproc.RegisterBackend("exec", func(cfg map[string]any) (workerproc.Backend, error) {
		path, _ := cfg["workerd_path"].(string)
		if path == "" {
			path = "cillow-workerd"
		}
		return New(path), nil
	})
}

// Backend spawns workers as child processes via os/exec.
type Backend struct {
	// WorkerdPath is the path to the cillow-workerd executable. Defaults
	// to "cillow-workerd", resolved against PATH.
	WorkerdPath string
}

// New returns a Backend that execs workerdPath for each worker.
func New(workerdPath string) *Backend {
	return &Backend{WorkerdPath: workerdPath}
}

// Name implements workerproc.Backend.
func (b *Backend) Name() string { return "exec" }

// Spawn implements workerproc.Backend.
func (b *Backend) Spawn(ctx context.Context, env wire.Environment) (*workerproc.Pipes, error) {
	cmd := exec.Command(b.WorkerdPath, "--environment", string(env))
	cmd.Env = append(os.Environ(), "CILLOW_WORKER_ENVIRONMENT="+string(env))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	return &workerproc.Pipes{
		Stdin:  stdin,
		Stdout: stdout,
		Terminate: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Signal(os.Interrupt)
		},
		Kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
		Wait: func(waitCtx context.Context) error {
			select {
			case <-exited:
				return nil
			case <-waitCtx.Done():
				return waitCtx.Err()
			}
		},
	}, nil
}
