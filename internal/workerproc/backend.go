// Package workerproc manages the worker processes that host one language
// interpreter each. A worker is spawned by a pluggable Backend (a plain
// OS process by default, or a Docker container), and is driven over a
// pair of framed pipes using the protocol in internal/wire.
package workerproc

import (
	"context"
	"fmt"
	"io"

	"github.com/synacktraa/cillow/internal/wire"
)

// Pipes is what a Backend hands back after spawning a worker: the two
// ends of its stdin/stdout streams plus the control hooks needed to shut
// it down.
type Pipes struct {
	// Stdin is where framed wire.Request values are written.
	Stdin io.WriteCloser
	// Stdout is where framed wire.WorkerFrame values are read from.
	Stdout io.ReadCloser

	// Terminate asks the worker to stop cooperatively (e.g. SIGTERM, or
	// an exec-session close signal for a container backend).
	Terminate func() error
	// Kill forces the worker to stop immediately.
	Kill func() error
	// Wait blocks until the worker has exited or ctx is done, whichever
	// comes first.
	Wait func(ctx context.Context) error
}

// Backend starts worker processes for a given environment.
type Backend interface {
	// Name identifies the backend, e.g. "exec" or "docker".
	Name() string
	// Spawn starts a new worker bound to env and returns its pipes.
	Spawn(ctx context.Context, env wire.Environment) (*Pipes, error)
}

// BackendFactory builds a Backend from free-form configuration, the way
// driver.DriverFactory builds a driver.Driver.
type BackendFactory func(cfg map[string]any) (Backend, error)

var backendRegistry = make(map[string]BackendFactory)

// RegisterBackend registers a backend factory under name. Backend
// implementations call this from an init() function.
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// NewBackend builds the named backend from cfg.
func NewBackend(name string, cfg map[string]any) (Backend, error) {
	factory, ok := backendRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker backend: %s", name)
	}
	return factory(cfg)
}

// AvailableBackends lists every registered backend name.
func AvailableBackends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	return names
}

// Spawner adapts a Backend into the registry.Spawner interface, wrapping
// each spawned set of pipes into a Process handle.
type Spawner struct {
	Backend Backend
}

// Spawn starts a worker via the underlying backend and wraps its pipes.
func (s *Spawner) Spawn(ctx context.Context, env wire.Environment) (*Process, error) {
	pipes, err := s.Backend.Spawn(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", s.Backend.Name(), err)
	}
	return newProcess(s.Backend.Name(), env, pipes), nil
}
