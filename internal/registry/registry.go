// Package registry tracks connected clients and the interpreter worker
// processes they own, mirroring cillow's client manager: one client may
// hold several workers (one per environment it has switched to), and the
// registry derives its own sizing limits from the host's CPU count.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/internal/workerproc"
)

// ErrClientLimitExceeded is returned by Register when the registry is
// already at its configured client limit. The text is the wire
// protocol's literal error message, not paraphrased.
var ErrClientLimitExceeded = errors.New("Client limit exceeded. Try again later.")

// ErrWorkerLimitExceeded is returned by SwitchInterpreter when either the
// per-client or the total worker limit has no room for a new worker. The
// text is the wire protocol's literal error message, not paraphrased.
var ErrWorkerLimitExceeded = errors.New("Unable to create new interpreter due to process limit.")

// ErrClientNotFound is returned by operations addressed at an unknown
// client id.
var ErrClientNotFound = errors.New("client not found")

// CurrentContext names the environment and worker a client is presently
// bound to.
type CurrentContext struct {
	Environment wire.Environment
	Worker      *workerproc.Process
}

// ClientInfo is everything the registry tracks for one connected client.
type ClientInfo struct {
	Current            CurrentContext
	DefaultEnvironment wire.Environment
	Workers            map[wire.Environment]*workerproc.Process
	// order preserves the sequence environments were first switched to,
	// since §3's "ordered mapping" invariant isn't something a plain Go
	// map gives for free.
	order []wire.Environment
}

// Environments returns the client's live environments in the order they
// were first acquired, matching GetEnvironment{all}'s wire contract.
func (c *ClientInfo) Environments() []wire.Environment {
	out := make([]wire.Environment, len(c.order))
	copy(out, c.order)
	return out
}

func (c *ClientInfo) addWorker(env wire.Environment, worker *workerproc.Process) {
	if _, exists := c.Workers[env]; !exists {
		c.order = append(c.order, env)
	}
	c.Workers[env] = worker
}

func (c *ClientInfo) removeWorker(env wire.Environment) {
	delete(c.Workers, env)
	for i, e := range c.order {
		if e == env {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Spawner starts a new worker process for an environment. It is the seam
// registry uses instead of depending on a concrete backend directly.
type Spawner interface {
	Spawn(ctx context.Context, env wire.Environment) (*workerproc.Process, error)
}

// Config bounds the registry's sizing. Zero values fall back to the
// derivations below.
type Config struct {
	// MaxWorkers is the total number of interpreter worker processes the
	// registry will allow across all clients. Defaults to the host's CPU
	// count, and is never allowed to exceed it.
	MaxWorkers int
	// WorkersPerClient caps how many distinct environments a single
	// client may hold workers for concurrently. Defaults to
	// min(2, MaxWorkers).
	WorkersPerClient int
}

// Registry is the concurrency-safe client/worker directory shared by the
// broker's dispatcher goroutines.
type Registry struct {
	cpuCount         int
	maxWorkers       int
	workersPerClient int
	maxClients       int

	spawner Spawner
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ClientInfo
}

// New builds a Registry. spawner is used to create worker processes on
// demand; log receives lifecycle events the way client_manager.py logs
// joins and departures.
func New(cfg Config, spawner Spawner, log zerolog.Logger) *Registry {
	cpuCount := runtime.NumCPU()

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 || maxWorkers > cpuCount {
		maxWorkers = cpuCount
	}

	workersPerClient := cfg.WorkersPerClient
	if workersPerClient <= 0 {
		workersPerClient = min(2, maxWorkers)
	}

	maxClients := maxWorkers / workersPerClient
	if maxClients < 1 {
		maxClients = 1
	}

	return &Registry{
		cpuCount:         cpuCount,
		maxWorkers:       maxWorkers,
		workersPerClient: workersPerClient,
		maxClients:       maxClients,
		spawner:          spawner,
		log:              log,
		clients:          make(map[string]*ClientInfo),
	}
}

// OptimalWorkerPoolSize is the dispatcher goroutine count client_manager.py
// calls optimal_number_of_request_workers: min(2*max_clients, cpu_count).
func (r *Registry) OptimalWorkerPoolSize() int {
	return min(2*r.maxClients, r.cpuCount)
}

// OptimalQueueCapacity is client_manager.py's optimal_max_queue_size:
// max_clients * workers_per_client * 2.
func (r *Registry) OptimalQueueCapacity() int {
	return r.maxClients * r.workersPerClient * 2
}

// TotalActiveWorkers sums the live worker count across every client.
func (r *Registry) TotalActiveWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalActiveWorkersLocked()
}

func (r *Registry) totalActiveWorkersLocked() int {
	total := 0
	for _, info := range r.clients {
		total += len(info.Workers)
	}
	return total
}

// Register admits clientID with an initial environment, spawning its
// first worker. A client already registered is a no-op, matching
// client_manager.py's register() idempotence. env defaults to the
// system environment when empty.
func (r *Registry) Register(ctx context.Context, clientID string, env wire.Environment) error {
	r.mu.Lock()
	if _, ok := r.clients[clientID]; ok {
		r.mu.Unlock()
		return nil
	}
	if len(r.clients) >= r.maxClients {
		r.mu.Unlock()
		return ErrClientLimitExceeded
	}
	r.mu.Unlock()

	validated, err := env.Validate()
	if err != nil {
		return err
	}

	worker, err := r.spawner.Spawn(ctx, validated)
	if err != nil {
		return fmt.Errorf("spawn interpreter for %q: %w", validated, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; ok {
		// Lost a registration race; the winner's worker stands, ours is surplus.
		worker.Stop(ctx)
		return nil
	}
	if len(r.clients) >= r.maxClients {
		worker.Stop(ctx)
		return ErrClientLimitExceeded
	}

	info := &ClientInfo{
		DefaultEnvironment: validated,
		Current:            CurrentContext{Environment: validated, Worker: worker},
		Workers:            make(map[wire.Environment]*workerproc.Process),
	}
	info.addWorker(validated, worker)
	r.clients[clientID] = info
	r.log.Info().Str("client_id", clientID).Str("environment", string(validated)).Msg("client joined")
	return nil
}

// GetInfo returns the client's tracked state, or nil if unknown.
func (r *Registry) GetInfo(clientID string) *ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[clientID]
}

// SwitchInterpreter moves clientID's current context to env, spawning a
// new worker for it if the client has not used it yet and capacity
// allows, or reusing an existing one.
func (r *Registry) SwitchInterpreter(ctx context.Context, clientID string, env wire.Environment) (wire.Environment, error) {
	validated, err := env.Validate()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	info, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return "", ErrClientNotFound
	}
	if info.Current.Environment == validated {
		r.mu.Unlock()
		return validated, nil
	}
	if worker, ok := info.Workers[validated]; ok {
		info.Current = CurrentContext{Environment: validated, Worker: worker}
		r.mu.Unlock()
		return validated, nil
	}
	canSpawn := len(info.Workers) < r.workersPerClient && r.totalActiveWorkersLocked() < r.maxWorkers
	r.mu.Unlock()

	if !canSpawn {
		return "", ErrWorkerLimitExceeded
	}

	worker, err := r.spawner.Spawn(ctx, validated)
	if err != nil {
		return "", fmt.Errorf("spawn interpreter for %q: %w", validated, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok = r.clients[clientID]
	if !ok {
		worker.Stop(ctx)
		return "", ErrClientNotFound
	}
	if existing, ok := info.Workers[validated]; ok {
		worker.Stop(ctx)
		info.Current = CurrentContext{Environment: validated, Worker: existing}
		return validated, nil
	}
	// Another switch may have spawned while the lock was released.
	if len(info.Workers) >= r.workersPerClient || r.totalActiveWorkersLocked() >= r.maxWorkers {
		worker.Stop(ctx)
		return "", ErrWorkerLimitExceeded
	}
	info.addWorker(validated, worker)
	info.Current = CurrentContext{Environment: validated, Worker: worker}
	return validated, nil
}

// DeleteInterpreter stops and forgets clientID's worker for env, if any.
// An invalid env is an admission error and must be reported back to the
// caller rather than swallowed: only "no worker for this env" and
// "unknown client" are legitimate no-ops.
func (r *Registry) DeleteInterpreter(ctx context.Context, clientID string, env wire.Environment) error {
	validated, err := env.Validate()
	if err != nil {
		return err
	}

	r.mu.Lock()
	info, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	worker, ok := info.Workers[validated]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	info.removeWorker(validated)
	r.mu.Unlock()

	worker.Stop(ctx)
	return nil
}

// Remove drops clientID and stops every worker it owns.
func (r *Registry) Remove(ctx context.Context, clientID string) {
	r.mu.Lock()
	info, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, worker := range info.Workers {
		worker.Stop(ctx)
	}
	r.log.Info().Str("client_id", clientID).Msg("client left")
}

// Cleanup stops every worker for every client and clears the registry. It
// is called once at broker shutdown.
func (r *Registry) Cleanup(ctx context.Context) {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*ClientInfo)
	r.mu.Unlock()

	for _, info := range clients {
		for _, worker := range info.Workers {
			worker.Stop(ctx)
		}
	}
}
