// Package broker wires the client registry, request queue, worker pool,
// and websocket front-end into one running server, the Go counterpart
// of cillow's Server class (server/__init__.py).
package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/internal/frontend"
	"github.com/synacktraa/cillow/internal/registry"
	"github.com/synacktraa/cillow/internal/reqqueue"
	"github.com/synacktraa/cillow/internal/workerpool"
	"github.com/synacktraa/cillow/internal/workerproc"
)

// Config configures the broker. Zero values let the registry derive its
// own sizing from the host's CPU count, mirroring
// ClientManager.__init__'s defaults.
type Config struct {
	Addr             string
	MaxWorkers       int
	WorkersPerClient int
	// QueueCapacity overrides the registry-derived optimal queue size
	// when positive.
	QueueCapacity int
	// PoolSize overrides the registry-derived optimal dispatcher count
	// when positive.
	PoolSize int
	// Backend spawns worker processes; required.
	Backend workerproc.Backend
}

// Broker is a fully wired, runnable server.
type Broker struct {
	cfg      Config
	log      zerolog.Logger
	registry *registry.Registry
	queue    *reqqueue.Queue
	pool     *workerpool.Pool
	frontend *frontend.Frontend
	echo     *echo.Echo
}

// New wires a Broker from cfg. It does not start listening until Run is
// called.
func New(cfg Config, log zerolog.Logger) (*Broker, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("broker: Config.Backend is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":7337"
	}

	reg := registry.New(registry.Config{
		MaxWorkers:       cfg.MaxWorkers,
		WorkersPerClient: cfg.WorkersPerClient,
	}, &workerproc.Spawner{Backend: cfg.Backend}, log)

	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = reg.OptimalQueueCapacity()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = reg.OptimalWorkerPoolSize()
	}

	log.Info().
		Int("queue_capacity", queueCapacity).
		Int("pool_size", poolSize).
		Msg("broker sizing derived")

	queue := reqqueue.New(queueCapacity)
	pool := workerpool.New(queue, reg, poolSize, log)
	fe := frontend.New(queue, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	fe.RegisterRoutes(e)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	return &Broker{cfg: cfg, log: log, registry: reg, queue: queue, pool: pool, frontend: fe, echo: e}, nil
}

// Run starts the worker pool, the front-end reader, and the HTTP server,
// blocking until ctx is cancelled, then shuts everything down: the HTTP
// listener first, then every client's workers via registry.Cleanup.
func (b *Broker) Run(ctx context.Context) error {
	poolCtx, cancelPool := context.WithCancel(ctx)
	defer cancelPool()

	go b.pool.Run(poolCtx)
	go b.frontend.Run(poolCtx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- b.echo.Start(b.cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		b.log.Info().Msg("shutting down broker")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.echo.Shutdown(shutdownCtx); err != nil {
		b.log.Error().Err(err).Msg("server forced to shutdown")
	}

	cancelPool()
	b.registry.Cleanup(context.Background())
	return nil
}
