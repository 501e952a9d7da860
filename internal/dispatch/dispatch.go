// Package dispatch provides the two execution contexts the SDK schedules
// onto: a worker context for network and disk work, and a single serialized
// main context where completions and listener notifications are delivered.
package dispatch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Dispatcher schedules work onto the worker and main contexts. The main
// context is a single goroutine draining a queue, so callbacks delivered
// through it never run concurrently with each other.
type Dispatcher struct {
	mainCh      chan func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopOnce    sync.Once
	workers     sync.WaitGroup
	synchronous bool
}

// New creates a running Dispatcher.
func New() *Dispatcher {
	d := &Dispatcher{
		mainCh: make(chan func(), 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go d.runMain()
	return d
}

// NewSynchronous creates a Dispatcher that runs everything inline on the
// calling goroutine. Used by tests that need deterministic ordering.
func NewSynchronous() *Dispatcher {
	return &Dispatcher{synchronous: true}
}

func (d *Dispatcher) runMain() {
	defer close(d.doneCh)
	for {
		select {
		case f := <-d.mainCh:
			f()
		case <-d.stopCh:
			// Drain anything already queued before exiting.
			for {
				select {
				case f := <-d.mainCh:
					f()
				default:
					return
				}
			}
		}
	}
}

// OnMain delivers f on the serialized main context.
func (d *Dispatcher) OnMain(f func()) {
	if f == nil {
		return
	}
	if d.synchronous {
		f()
		return
	}
	select {
	case d.mainCh <- f:
	case <-d.stopCh:
		log.Warn().Msg("Dispatcher stopped, dropping main-context callback")
	}
}

// OnWorker runs f on the worker context without blocking the caller.
func (d *Dispatcher) OnWorker(f func()) {
	d.OnWorkerDelayed(f, 0)
}

// OnWorkerDelayed runs f on the worker context after delay. The delay is a
// scheduling delay; the calling goroutine never sleeps.
func (d *Dispatcher) OnWorkerDelayed(f func(), delay time.Duration) {
	if f == nil {
		return
	}
	if d.synchronous {
		f()
		return
	}
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-d.stopCh:
				timer.Stop()
				return
			}
		}
		f()
	}()
}

// Jitter returns a uniformly random delay in [0, max). Returns zero when max
// is not positive.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Close stops the dispatcher, waits for in-flight worker tasks, and drains
// the main queue.
func (d *Dispatcher) Close() {
	if d.synchronous {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.workers.Wait()
	<-d.doneCh
}
