// Package workerpool runs the dispatcher goroutines that pull queued
// requests and drive them against the client registry and its worker
// processes, adapted from request_worker.py's RequestWorker thread pool.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/internal/registry"
	"github.com/synacktraa/cillow/internal/reqqueue"
	"github.com/synacktraa/cillow/internal/wire"
)

// Pool runs N dispatcher goroutines pulling from a shared queue.
type Pool struct {
	queue    *reqqueue.Queue
	registry *registry.Registry
	size     int
	log      zerolog.Logger
}

// New returns a Pool of size dispatcher goroutines.
func New(queue *reqqueue.Queue, reg *registry.Registry, size int, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{queue: queue, registry: reg, size: size, log: log}
}

// Run starts the dispatcher goroutines and blocks until ctx is done,
// then waits for all in-flight dispatches to finish before returning.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		item, err := p.queue.Get(ctx)
		if err != nil {
			return
		}
		p.dispatch(ctx, item)
	}
}

// dispatch mirrors RequestWorker.run(): register the client by
// precedence, then route by kind.
func (p *Pool) dispatch(ctx context.Context, item reqqueue.Item) {
	initial := wire.SystemEnvironment
	if item.Request.Kind == wire.KindModifyInterpreter {
		initial = item.Request.ModifyInterpreter.Environment
	}
	if err := p.registry.Register(ctx, item.ClientID, initial); err != nil {
		item.Respond(wire.TagRequestException, textFrame(err.Error()))
		return
	}

	switch item.Request.Kind {
	case wire.KindGetEnvironment:
		p.getEnvironment(item)
	case wire.KindModifyInterpreter:
		p.modifyInterpreter(ctx, item)
	case wire.KindSetEnvironmentVariables:
		p.forwardToWorker(ctx, item)
	case wire.KindRunCommand:
		p.forwardToWorker(ctx, item)
	case wire.KindInstallRequirements:
		p.forwardToWorker(ctx, item)
	case wire.KindRunCode:
		p.forwardToWorker(ctx, item)
	case wire.KindDisconnect:
		p.registry.Remove(ctx, item.ClientID)
		item.Respond(wire.TagRequestDone, nil)
	default:
		item.Respond(wire.TagRequestException, textFrame(fmt.Sprintf("unhandled request kind %q", item.Request.Kind)))
	}
}

func (p *Pool) getEnvironment(item reqqueue.Item) {
	info := p.registry.GetInfo(item.ClientID)
	if info == nil {
		return
	}

	switch item.Request.GetEnvironment.Query {
	case wire.QueryCurrent:
		item.Respond(wire.TagRequestDone, textFrame(string(info.Current.Environment)))
	case wire.QueryDefault:
		item.Respond(wire.TagRequestDone, textFrame(string(info.DefaultEnvironment)))
	case wire.QueryAll:
		ordered := info.Environments()
		envs := make([]string, len(ordered))
		for i, env := range ordered {
			envs[i] = string(env)
		}
		payload, _ := json.Marshal(envs)
		item.Respond(wire.TagRequestDone, &wire.ResponseFrame{Kind: wire.KindResult, Result: &wire.ResultFrame{Value: payload}})
	}
}

func (p *Pool) modifyInterpreter(ctx context.Context, item reqqueue.Item) {
	req := item.Request.ModifyInterpreter
	switchTo := func(env wire.Environment) {
		got, err := p.registry.SwitchInterpreter(ctx, item.ClientID, env)
		if err != nil {
			item.Respond(wire.TagRequestException, textFrame(err.Error()))
			return
		}
		item.Respond(wire.TagRequestDone, textFrame(string(got)))
	}

	switch req.Mode {
	case wire.ModeSwitch:
		switchTo(req.Environment)
	case wire.ModeDelete:
		if err := p.registry.DeleteInterpreter(ctx, item.ClientID, req.Environment); err != nil {
			item.Respond(wire.TagRequestException, textFrame(err.Error()))
			return
		}
		info := p.registry.GetInfo(item.ClientID)
		if info == nil {
			item.Respond(wire.TagRequestException, textFrame("client not found"))
			return
		}
		switchTo(info.DefaultEnvironment)
	default:
		item.Respond(wire.TagRequestException, textFrame(fmt.Sprintf("unknown interpreter mode %q", req.Mode)))
	}
}

// forwardToWorker streams a SetEnvironmentVariables/RunCommand/
// InstallRequirements/RunCode request through the client's current
// worker, relaying every frame tagged "interpreter" and finishing with
// "request_done", matching _install_requirements/_run_code.
func (p *Pool) forwardToWorker(ctx context.Context, item reqqueue.Item) {
	info := p.registry.GetInfo(item.ClientID)
	if info == nil {
		return
	}

	frames, errs := info.Current.Worker.SendInput(ctx, item.Request)
	for frame := range frames {
		f := frame
		item.Respond(wire.TagInterpreter, &f)
	}
	if err := <-errs; err != nil {
		item.Respond(wire.TagRequestException, textFrame(err.Error()))
		return
	}
	item.Respond(wire.TagRequestDone, nil)
}

func textFrame(text string) *wire.ResponseFrame {
	return &wire.ResponseFrame{Kind: wire.KindStream, Stream: &wire.StreamFrame{Kind: wire.StreamStdout, Text: text}}
}
