package main

import (
	"context"
	"fmt"
	"time"

	"github.com/foxcpp/postfixcore/framework/log"
)

// service is one of the daemons cmd/postmaster hosts as a goroutine:
// a name for logging/respawn messages and a function that runs until
// ctx is cancelled or it fails.
type service struct {
	name string
	run  func(ctx context.Context) error
}

// minRespawnDelay/maxRespawnDelay bound the backoff between restarts
// of a crashing service, the goroutine analogue of a process
// supervisor not respawning a flapping child in a tight loop.
const (
	minRespawnDelay = 200 * time.Millisecond
	maxRespawnDelay = 30 * time.Second
)

// Supervisor runs a fixed set of services, restarting any that panic
// or return an error, until its context is cancelled. It is a
// generalization of a one-process-per-daemon model to a single
// binary: the coordination discipline (each service is independently
// restartable and shares nothing but IPC/the filesystem with the
// others) survives, only the process boundary relaxes to a goroutine
// boundary.
type Supervisor struct {
	Log      log.Logger
	services []service
}

func (sv *Supervisor) Add(name string, run func(ctx context.Context) error) {
	sv.services = append(sv.services, service{name: name, run: run})
}

// Run starts every registered service and blocks until ctx is done, at
// which point it waits for all services to notice cancellation and
// return before returning itself.
func (sv *Supervisor) Run(ctx context.Context) {
	done := make(chan struct{}, len(sv.services))
	for _, svc := range sv.services {
		go sv.runOne(ctx, svc, done)
	}
	for range sv.services {
		<-done
	}
}

func (sv *Supervisor) runOne(ctx context.Context, svc service, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	delay := minRespawnDelay
	for {
		err := sv.runOnceRecovered(ctx, svc)

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err == nil {
			// A service returning nil without ctx being cancelled means
			// it decided its work was done (e.g. a one-shot migration);
			// that's not a crash, so don't respawn it.
			sv.Log.Msg("service exited, not restarting", "service", svc.name)
			return
		}

		sv.Log.Error(fmt.Sprintf("service %s crashed, restarting in %s", svc.name, delay), err, "service", svc.name)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxRespawnDelay {
			delay = maxRespawnDelay
		}
	}
}

// runOnceRecovered runs svc.run once, converting a panic into an error
// so the caller's respawn loop treats "fatal, this cannot happen"
// invariant violations the same way it treats a returned error -
// exactly the panic-and-get-respawned contract described for the
// Fatal error class.
func (sv *Supervisor) runOnceRecovered(ctx context.Context, svc service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return svc.run(ctx)
}
