// Package engine implements the scheduler (C6) and task runner (C7): the
// executor loop that walks a pipeline's DAG, dispatches ready nodes in
// cost-sorted order, runs tasks with isolation and retry, and propagates
// failure up through the ancestor chain.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mara-data/dataflow/internal/config"
	"github.com/mara-data/dataflow/internal/cost"
	"github.com/mara-data/dataflow/internal/dag"
	"github.com/mara-data/dataflow/internal/events"
	"github.com/mara-data/dataflow/internal/obs/otelinit"
)

// AverageDurationsFunc supplies historical per-node-path average durations,
// e.g. runlog.Store.AverageDurations. A nil func means no history is
// available yet and every node's cost defaults to 0.
type AverageDurationsFunc func(rootPath []string) (map[string]float64, error)

// Engine is the scheduler. One Engine instance is normally shared across
// every run in a process so the cancellation registry is consistent; Run is
// safe to call sequentially, not concurrently,
// on the same Engine (mirrors the single-executor-process assumption the
// source makes).
type Engine struct {
	Config           config.Config
	Bus              *events.Bus
	AverageDurations AverageDurationsFunc

	// Metrics is optional; a zero-value Metrics (all nil instruments) means
	// no metrics are recorded.
	Metrics otelinit.Metrics

	cancellations *cancellationRegistry

	mu               sync.Mutex
	processedNodes   map[string]bool
	runningPipelines map[string]*pipelineState
	failedPipelines  map[string]bool
	runningTasks     map[string]*taskState
	nodeQueue        []dag.Node
	runTimes         map[string]float64
}

type pipelineState struct {
	node               *dag.Pipeline
	startTime          time.Time
	runningChildCount  int
}

type taskState struct {
	node   *dag.Task
	cancel context.CancelFunc
	done   chan struct{}
	start  time.Time
	result bool
}

// New builds an Engine bound to bus for event emission and cfg for runtime
// limits. averageDurations may be nil.
func New(cfg config.Config, bus *events.Bus, averageDurations AverageDurationsFunc) *Engine {
	return &Engine{
		Config:           cfg,
		Bus:              bus,
		AverageDurations: averageDurations,
		cancellations:    newCancellationRegistry(),
	}
}

// RunOptions selects the subset of a pipeline to run.
type RunOptions struct {
	NodeIDs              []string
	WithUpstreams        bool
	InteractivelyStarted bool
}

// Run executes root to completion and reports the generated run id plus
// whether every dispatched node succeeded (directly or via an ignore_errors
// ancestor). It emits the full RunStarted/NodeStarted/NodeFinished/Output/
// RunFinished event sequence on e.Bus as it goes. The run id is returned
// only once the run is over; while it is in progress it is carried on the
// RunStarted event. A run left open by a process that dies mid-run is closed
// later by runlog.Store.CloseAllOpenRuns (scenario S7).
func (e *Engine) Run(ctx context.Context, root *dag.Pipeline, opts RunOptions) (succeeded bool, runID string, err error) {
	e.mu.Lock()
	e.processedNodes = map[string]bool{}
	e.runningPipelines = map[string]*pipelineState{}
	e.failedPipelines = map[string]bool{}
	e.runningTasks = map[string]*taskState{}
	e.nodeQueue = nil
	e.mu.Unlock()

	if len(opts.NodeIDs) > 0 {
		if err := pruneToSubset(root, opts.NodeIDs, opts.WithUpstreams); err != nil {
			return false, "", err
		}
	} else if parent := root.Parent(); parent != nil {
		for _, u := range root.Upstreams() {
			parent.RemoveDependency(u, root)
		}
		for _, d := range root.Downstreams() {
			parent.RemoveDependency(root, d)
		}
	}

	avgDuration := cost.History{}
	if e.AverageDurations != nil {
		h, err := e.AverageDurations(root.Path())
		if err == nil {
			avgDuration = h
		}
	}
	e.runTimes = cost.DurationsAndRunTimes(root, avgDuration)

	e.enqueue(root)

	runID = uuid.NewString()
	runStart := events.RunStarted{
		StartTime:            time.Now(),
		PID:                  os.Getpid(),
		InteractivelyStarted: opts.InteractivelyStarted,
		NodeIDs:              opts.NodeIDs,
		IsRootPipeline:       root.Parent() == nil,
		RunID:                runID,
	}
	runStart.Path = root.Path()
	e.Bus.Emit(runStart)

	globalMax := e.Config.MaxNumberOfParallelTasks
	if globalMax <= 0 {
		globalMax = 1
	}

	for e.hasWork() {
		if e.runningTaskCount() < globalMax {
			if n := e.dequeue(); n != nil {
				e.dispatch(ctx, n)
			}
		}
		e.collectFinishedTasks()
		e.finalizeFinishedPipelines()
		time.Sleep(time.Millisecond)
	}
	// Nodes can still be added to processedNodes by failure propagation
	// during the final collect/finalize pass above; run finalize once more.
	e.finalizeFinishedPipelines()

	e.mu.Lock()
	succeeded = len(e.failedPipelines) == 0
	e.mu.Unlock()
	e.cancellations.terminateAll()

	runFinished := events.RunFinished{
		EndTime:              time.Now(),
		Succeeded:            succeeded,
		InteractivelyStarted: opts.InteractivelyStarted,
	}
	runFinished.Path = root.Path()
	e.Bus.Emit(runFinished)

	return succeeded, runID, nil
}

func pruneToSubset(root *dag.Pipeline, nodeIDs []string, withUpstreams bool) error {
	keep := map[string]bool{}
	var seeds []dag.Node
	for _, id := range nodeIDs {
		n, ok := root.Node(id)
		if !ok {
			return fmt.Errorf("engine: node %q not found in pipeline %q", id, root.ID())
		}
		seeds = append(seeds, n)
		keep[n.ID()] = true
	}
	if withUpstreams {
		var walk func(n dag.Node)
		walk = func(n dag.Node) {
			for _, u := range n.Upstreams() {
				if !keep[u.ID()] {
					keep[u.ID()] = true
					walk(u)
				}
			}
		}
		for _, s := range seeds {
			walk(s)
		}
	}

	var toRemove []dag.Node
	for _, n := range root.Nodes() {
		if !keep[n.ID()] {
			toRemove = append(toRemove, n)
		}
	}
	for _, n := range toRemove {
		if err := root.Remove(n); err != nil {
			return err
		}
	}
	return nil
}

func panicMessage(r any) string {
	return fmt.Sprintf("panic: %v", r)
}

func (e *Engine) enqueue(n dag.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeQueue = append(e.nodeQueue, n)
}

func (e *Engine) hasWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runningTasks) > 0 || len(e.nodeQueue) > 0
}

func (e *Engine) runningTaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runningTasks)
}

func (e *Engine) isProcessed(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processedNodes[path]
}

func (e *Engine) markProcessed(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processedNodes[path] = true
}

func (e *Engine) enterPipeline(p *dag.Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runningPipelines[dag.PathString(p.Path())] = &pipelineState{node: p, startTime: time.Now()}
}

func (e *Engine) markFailedPipeline(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedPipelines[path] = true
}

func (e *Engine) isFailedPipeline(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failedPipelines[path]
}

func (e *Engine) emitOutput(path []string, message string, format events.OutputFormat, isError bool) {
	ev := events.Output{Message: message, Format: format, IsError: isError, Timestamp: time.Now()}
	ev.Path = path
	e.Bus.Emit(ev)
}

func (e *Engine) emitNodeStarted(path []string, isPipeline bool) {
	ev := events.NodeStarted{StartTime: time.Now(), IsPipeline: isPipeline}
	ev.Path = path
	e.Bus.Emit(ev)
}

func (e *Engine) emitNodeFinished(path []string, start time.Time, isPipeline, succeeded bool) {
	ev := events.NodeFinished{StartTime: start, EndTime: time.Now(), IsPipeline: isPipeline, Succeeded: succeeded}
	ev.Path = path
	e.Bus.Emit(ev)
}

// sortByDescendingCost orders nodes by cost.Compute descending, falling back
// to insertion order for ties (cost engine's only contractual ordering is
// the primary descending-cost sort).
func (e *Engine) sortByDescendingCost(nodes []dag.Node) []dag.Node {
	out := append([]dag.Node{}, nodes...)
	sort.SliceStable(out, func(i, j int) bool {
		return cost.Compute(out[i], e.runTimes) > cost.Compute(out[j], e.runTimes)
	})
	return out
}
