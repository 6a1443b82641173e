package executor

import (
	"sync"

	"github.com/harrison/seqbench/internal/models"
)

// Observer receives progress events. Calls are serialized by the runner and
// made from one delivery goroutine per run, so implementations need no
// locking of their own. A slow observer delays delivery, not the workers.
type Observer interface {
	OnEvent(ev models.ProgressEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev models.ProgressEvent)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ev models.ProgressEvent) { f(ev) }

// eventBuffer is how many events may queue before emit blocks.
const eventBuffer = 256

// emitter queues events for one run and delivers them to observers from a
// single goroutine, in emit order. mu serializes delivery across runs that
// share observers.
type emitter struct {
	observers []Observer
	mu        *sync.Mutex

	events chan models.ProgressEvent
	done   chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

func newEmitter(observers []Observer, mu *sync.Mutex) *emitter {
	e := &emitter{
		observers: observers,
		mu:        mu,
		events:    make(chan models.ProgressEvent, eventBuffer),
		done:      make(chan struct{}),
	}
	go e.drain()
	return e
}

func (e *emitter) drain() {
	defer close(e.done)
	for ev := range e.events {
		e.deliver(ev)
	}
}

func (e *emitter) deliver(ev models.ProgressEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.observers {
		o.OnEvent(ev)
	}
}

// emit queues ev. Events emitted after close are dropped.
func (e *emitter) emit(ev models.ProgressEvent) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}
	e.events <- ev
}

// close waits until every queued event has been delivered.
func (e *emitter) close() {
	e.closeMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.closeMu.Unlock()
	<-e.done
}

func nonNilObservers(observers []Observer) []Observer {
	var out []Observer
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// Recorder is an Observer that keeps every event. Useful for tests and for
// the status export.
type Recorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

// OnEvent records ev.
func (r *Recorder) OnEvent(ev models.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ProgressEvent(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t models.EventType) []models.ProgressEvent {
	var out []models.ProgressEvent
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
