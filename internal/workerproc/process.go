package workerproc

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synacktraa/cillow/internal/wire"
)

// terminateGrace is how long Stop waits for a cooperative exit before
// escalating to Kill, mirroring _InterpreterProcess.stop()'s
// process.join(timeout=5).
const terminateGrace = 5 * time.Second

// Process is a live worker: one interpreter hosted in its own OS process
// or container, driven over its Pipes using the wire frame protocol.
// A Process handles exactly one request at a time, matching the
// sequential input_queue/output_queue loop _process_event_loop runs.
type Process struct {
	name   string
	env    wire.Environment
	pipes  *Pipes
	reader *bufio.Reader

	mu       sync.Mutex
	stopOnce sync.Once
}

func newProcess(name string, env wire.Environment, pipes *Pipes) *Process {
	return &Process{
		name:   name,
		env:    env,
		pipes:  pipes,
		reader: bufio.NewReader(pipes.Stdout),
	}
}

// Name returns the backend that spawned this worker.
func (p *Process) Name() string { return p.name }

// Environment returns the environment this worker was spawned for.
func (p *Process) Environment() wire.Environment { return p.env }

// SendInput submits req to the worker and returns a channel of response
// frames streamed until the worker's completion sentinel, plus an error
// channel that receives at most one error. Both channels are closed when
// the exchange ends. Only one SendInput may be in flight at a time; a
// concurrent caller blocks until the previous one drains, mirroring
// _process_event_loop's single-threaded request loop.
func (p *Process) SendInput(ctx context.Context, req wire.Request) (<-chan wire.ResponseFrame, <-chan error) {
	frames := make(chan wire.ResponseFrame)
	errs := make(chan error, 1)

	p.mu.Lock()
	go func() {
		defer p.mu.Unlock()
		defer close(frames)
		defer close(errs)

		if err := wire.WriteRequest(p.pipes.Stdin, req); err != nil {
			errs <- fmt.Errorf("write request to %s worker: %w", p.name, err)
			return
		}

		for {
			frame, err := p.readNext(ctx)
			if err != nil {
				errs <- err
				return
			}
			if frame.Kind == wire.WorkerFrameCompleted {
				return
			}
			if frame.Response == nil {
				continue
			}
			select {
			case frames <- *frame.Response:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return frames, errs
}

// readNext reads one worker frame, respecting ctx cancellation between
// frames. It cannot interrupt a blocked read mid-flight; Stop's Kill step
// closes the underlying pipe to unblock it when that matters.
func (p *Process) readNext(ctx context.Context) (wire.WorkerFrame, error) {
	select {
	case <-ctx.Done():
		return wire.WorkerFrame{}, ctx.Err()
	default:
	}
	frame, err := wire.ReadWorkerFrame(p.reader)
	if err != nil {
		return wire.WorkerFrame{}, fmt.Errorf("read frame from %s worker: %w", p.name, err)
	}
	return frame, nil
}

// Stop shuts the worker down: it signals a cooperative exit, waits up to
// terminateGrace, force-kills if the worker is still alive, and finally
// closes both pipes. Mirrors _InterpreterProcess.stop() exactly. Safe to
// call more than once; only the first call has effect.
func (p *Process) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		if p.pipes.Terminate != nil {
			_ = p.pipes.Terminate()
		}

		waitCtx, cancel := context.WithTimeout(ctx, terminateGrace)
		err := p.pipes.Wait(waitCtx)
		cancel()

		if err != nil {
			if p.pipes.Kill != nil {
				_ = p.pipes.Kill()
			}
			_ = p.pipes.Wait(context.Background())
		}

		_ = p.pipes.Stdin.Close()
		_ = p.pipes.Stdout.Close()
	})
}
