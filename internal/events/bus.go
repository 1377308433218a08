package events

import (
	"log/slog"
	"strings"
)

// Bus is a single FIFO queue of events, drained by the caller loop. Each
// dequeued event is persisted by the built-in run-logger handler (if
// configured first) then fanned out to every other registered handler.
// Handler panics are recovered and logged; they never stop the pipeline.
type Bus struct {
	ch            chan Event
	handlers      []Handler
	passwordMasks []string
}

// NewBus creates a bus with the given buffer size. Emit blocks once the
// buffer is full until the drain loop catches up.
func NewBus(buffer int, passwordMasks []string) *Bus {
	return &Bus{
		ch:            make(chan Event, buffer),
		passwordMasks: passwordMasks,
	}
}

// AddHandler registers a handler. Order matters: handlers run in
// registration order, so the run-logger should be registered first.
func (b *Bus) AddHandler(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Emit pushes an event onto the queue, masking passwords in Output messages
// first.
func (b *Bus) Emit(e Event) {
	if out, ok := e.(Output); ok {
		out.Message = maskPasswords(out.Message, b.passwordMasks)
		e = out
	}
	b.ch <- e
}

// Close closes the underlying channel; must be called exactly once, after
// the final RunFinished has been emitted.
func (b *Bus) Close() { close(b.ch) }

// Events exposes the receive-only channel for the caller's drain loop.
func (b *Bus) Events() <-chan Event { return b.ch }

// Drain runs the fan-out loop until the bus is closed. Intended to be run
// in its own goroutine by the caller, or inline by a synchronous caller
// that ranges over Events() itself.
func (b *Bus) Drain() {
	for e := range b.ch {
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e Event) {
	for _, h := range b.handlers {
		b.safeHandle(h, e)
	}
}

func (b *Bus) safeHandle(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "panic", r)
		}
	}()
	h.HandleEvent(e)
}

func maskPasswords(message string, masks []string) string {
	for _, m := range masks {
		if m == "" {
			continue
		}
		message = strings.ReplaceAll(message, m, "***")
	}
	return message
}
