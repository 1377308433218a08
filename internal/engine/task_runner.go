package engine

import (
	"context"
	"time"

	"github.com/mara-data/dataflow/internal/command"
	"github.com/mara-data/dataflow/internal/dag"
	"github.com/mara-data/dataflow/internal/obs/otelinit"
)

// runTask executes every command of t in order, retrying the whole task on
// failure according to the deterministic backoff ladder 2^(attempt+2)
// seconds (8, 16, 32, 64, ...). Grounded on execution.py's TaskProcess.run():
// a fixed, jitter-free delay, not the teacher's generic jittered
// resilience.Retry[T] (reserved for NATS publish / webhook delivery, see
// DESIGN.md). An uncaught panic from a command is treated as a failed
// attempt after being surfaced as a verbatim error Output line.
func (e *Engine) runTask(ctx context.Context, t *dag.Task, maxRetries int, sink command.OutputSink) bool {
	attempt := 0
	for {
		ok := e.runTaskOnce(ctx, t, sink)
		if ok {
			return true
		}
		if attempt >= maxRetries {
			return false
		}
		attempt++
		if e.Metrics.NodeRetries != nil {
			e.Metrics.NodeRetries.Add(ctx, 1)
		}
		delay := time.Duration(1<<uint(attempt+2)) * time.Second
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func (e *Engine) runTaskOnce(ctx context.Context, t *dag.Task, sink command.OutputSink) (ok bool) {
	ctx, end := otelinit.WithSpan(ctx, dag.PathString(t.Path()))
	defer end()
	defer func() {
		if r := recover(); r != nil {
			sink(panicMessage(r), true)
			ok = false
		}
	}()
	return t.Run(ctx, sink)
}
