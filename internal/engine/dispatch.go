package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mara-data/dataflow/internal/cost"
	"github.com/mara-data/dataflow/internal/dag"
	"github.com/mara-data/dataflow/internal/events"
)

// dequeue returns the first ready node in descending-cost order, or nil if
// none is ready. A node with any failed ancestor that does not have
// ForceRunAllChildren set is skipped straight into processedNodes here
// (matching the source's Dequeue(), which folds failure-propagation skips
// into the same scan that finds the next node to run) and dequeue reports
// no node for this call.
func (e *Engine) dequeue() dag.Node {
	e.mu.Lock()
	candidates := append([]dag.Node{}, e.nodeQueue...)
	e.mu.Unlock()

	var ready []dag.Node
	for _, n := range candidates {
		if e.isProcessed(dag.PathString(n.Path())) {
			continue
		}
		if !e.upstreamsReady(n) {
			continue
		}
		if !e.withinPipelineLimit(n) {
			continue
		}
		ready = append(ready, n)
	}
	if len(ready) == 0 {
		return nil
	}
	ready = e.sortByDescendingCost(ready)
	n := ready[0]
	e.removeFromQueue(n)

	if e.shouldSkip(n) {
		e.markProcessed(dag.PathString(n.Path()))
		return nil
	}
	return n
}

func (e *Engine) upstreamsReady(n dag.Node) bool {
	for _, u := range n.Upstreams() {
		if !e.isProcessed(dag.PathString(u.Path())) {
			return false
		}
	}
	return true
}

func (e *Engine) withinPipelineLimit(n dag.Node) bool {
	parent := n.Parent()
	if parent == nil || parent.MaxNumberOfParallelTasks <= 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.runningPipelines[dag.PathString(parent.Path())]
	if st == nil {
		return true
	}
	return st.runningChildCount < parent.MaxNumberOfParallelTasks
}

func (e *Engine) shouldSkip(n dag.Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if e.isFailedPipeline(dag.PathString(p.Path())) && !p.ForceRunAllChildren {
			return true
		}
	}
	return false
}

func (e *Engine) removeFromQueue(n dag.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, x := range e.nodeQueue {
		if x == n {
			e.nodeQueue = append(e.nodeQueue[:i], e.nodeQueue[i+1:]...)
			return
		}
	}
}

// dispatch runs the per-variant dispatch rule for a node freshly returned by
// dequeue.
func (e *Engine) dispatch(ctx context.Context, n dag.Node) {
	switch p := n.(type) {
	case *dag.Pipeline:
		e.dispatchPipeline(p)
	case *dag.ParallelTask:
		e.dispatchParallelTask(p)
	case *dag.Task:
		e.dispatchTask(ctx, p)
	}
}

func (e *Engine) dispatchPipeline(p *dag.Pipeline) {
	for _, u := range p.Upstreams() {
		for _, c := range p.Nodes() {
			if len(c.Upstreams()) == 0 {
				p.AddDependency(u, c)
			}
		}
	}
	for _, d := range p.Downstreams() {
		for _, c := range p.Nodes() {
			if len(c.Downstreams()) == 0 {
				p.AddDependency(c, d)
			}
		}
	}

	e.enterPipeline(p)
	e.emitNodeStarted(p.Path(), true)
	estimate := e.runTimes[dag.PathString(p.Path())]
	e.emitOutput(p.Path(), "★ "+cost.FormatDuration(estimate), events.FormatItalics, false)

	for _, c := range p.Nodes() {
		e.enqueue(c)
	}
}

func (e *Engine) dispatchParallelTask(pt *dag.ParallelTask) {
	sub, err := pt.Launch()
	if err != nil {
		start := time.Now()
		e.emitNodeStarted(pt.Path(), false)
		e.emitNodeFinished(pt.Path(), start, false, false)
		if parent := pt.Parent(); parent != nil {
			e.markFailedPipeline(dag.PathString(parent.Path()))
		}
		e.markProcessed(dag.PathString(pt.Path()))
		return
	}

	if parent := pt.Parent(); parent != nil {
		if err := parent.Replace(pt, sub); err != nil {
			start := time.Now()
			e.emitNodeStarted(pt.Path(), false)
			e.emitNodeFinished(pt.Path(), start, false, false)
			e.markFailedPipeline(dag.PathString(parent.Path()))
			e.markProcessed(dag.PathString(pt.Path()))
			return
		}
	}
	e.enqueue(sub)
}

func (e *Engine) dispatchTask(ctx context.Context, t *dag.Task) {
	start := time.Now()
	e.emitNodeStarted(t.Path(), false)

	path := dag.PathString(t.Path())
	taskCtx, cancel := context.WithCancel(ctx)
	e.cancellations.register(path, cancel)

	st := &taskState{node: t, cancel: cancel, done: make(chan struct{}), start: start}

	e.mu.Lock()
	e.runningTasks[path] = st
	e.mu.Unlock()

	if parent := t.Parent(); parent != nil {
		e.incrementRunningChild(parent)
	}
	if e.Metrics.ParallelismGauge != nil {
		e.Metrics.ParallelismGauge.Record(ctx, int64(e.runningTaskCount()))
	}

	maxRetries := e.Config.DefaultTaskMaxRetries
	if t.MaxRetries != nil {
		maxRetries = *t.MaxRetries
	}

	go func() {
		sink := func(line string, isError bool) {
			e.emitOutput(t.Path(), line, events.FormatVerbatim, isError)
		}
		succeeded := e.runTask(taskCtx, t, maxRetries, sink)
		e.mu.Lock()
		st.result = succeeded
		e.mu.Unlock()
		close(st.done)
	}()
}

// collectFinishedTasks moves every task whose goroutine has finished out of
// runningTasks, emits its Output/NodeFinished pair, and propagates failure
// up through the ancestor chain, stopping at the first ignore_errors
// ancestor (which itself is not marked failed).
func (e *Engine) collectFinishedTasks() {
	e.mu.Lock()
	var finished []*taskState
	for path, st := range e.runningTasks {
		select {
		case <-st.done:
			finished = append(finished, st)
			delete(e.runningTasks, path)
		default:
		}
	}
	e.mu.Unlock()

	for _, st := range finished {
		t := st.node
		path := dag.PathString(t.Path())
		e.cancellations.unregister(path)

		if parent := t.Parent(); parent != nil {
			e.decrementRunningChild(parent)
		}
		if e.Metrics.ParallelismGauge != nil {
			e.Metrics.ParallelismGauge.Record(context.Background(), int64(e.runningTaskCount()))
		}

		succeeded := st.result
		label := "succeeded"
		if !succeeded {
			label = "failed"
		}
		elapsed := time.Since(st.start)
		if e.Metrics.NodeDuration != nil {
			e.Metrics.NodeDuration.Record(context.Background(), float64(elapsed.Milliseconds()))
		}
		if !succeeded && e.Metrics.NodeFailures != nil {
			e.Metrics.NodeFailures.Add(context.Background(), 1)
		}
		e.emitOutput(t.Path(), fmt.Sprintf("%s, %s", label, cost.FormatDuration(elapsed.Seconds())), events.FormatItalics, false)
		e.emitNodeFinished(t.Path(), st.start, false, succeeded)
		e.markProcessed(path)

		if !succeeded {
			for p := t.Parent(); p != nil; p = p.Parent() {
				if p.IgnoreErrors {
					break
				}
				e.markFailedPipeline(dag.PathString(p.Path()))
			}
		}
	}
}

// finalizeFinishedPipelines closes out any running pipeline whose every
// child node is now processed.
func (e *Engine) finalizeFinishedPipelines() {
	e.mu.Lock()
	var done []*pipelineState
	for path, st := range e.runningPipelines {
		allProcessed := true
		for _, c := range st.node.Nodes() {
			if !e.processedNodes[dag.PathString(c.Path())] {
				allProcessed = false
				break
			}
		}
		if allProcessed {
			done = append(done, st)
			delete(e.runningPipelines, path)
		}
	}
	e.mu.Unlock()

	for _, st := range done {
		p := st.node
		path := dag.PathString(p.Path())
		succeeded := !e.isFailedPipeline(path)
		label := "succeeded"
		if !succeeded {
			label = "failed"
		}
		elapsed := time.Since(st.startTime)
		e.emitOutput(p.Path(), fmt.Sprintf("%s, %s", label, cost.FormatDuration(elapsed.Seconds())), events.FormatItalics, false)
		e.emitNodeFinished(p.Path(), st.startTime, true, succeeded)
		e.markProcessed(path)
	}
}

func (e *Engine) incrementRunningChild(p *dag.Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	path := dag.PathString(p.Path())
	st := e.runningPipelines[path]
	if st == nil {
		st = &pipelineState{node: p, startTime: time.Now()}
		e.runningPipelines[path] = st
	}
	st.runningChildCount++
}

func (e *Engine) decrementRunningChild(p *dag.Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.runningPipelines[dag.PathString(p.Path())]; st != nil {
		st.runningChildCount--
	}
}
