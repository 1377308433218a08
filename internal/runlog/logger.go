package runlog

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/mara-data/dataflow/internal/dag"
	"github.com/mara-data/dataflow/internal/events"
)

// RunLogger is the built-in events.Handler that persists every event into
// the Store, grounded on the source's RunLogger (logging/run_log.py): one
// instance per engine invocation, buffering Output events per node path and
// flushing them in a single write on the matching NodeFinished. It also
// purges rows older than retention on every RunFinished, per §4.9; the cron
// Sweeper in internal/retention exists only as a safety net for installs
// that go a long time between runs.
type RunLogger struct {
	store     *Store
	retention time.Duration

	mu         sync.Mutex
	runID      string
	nodeOutput map[string][]events.Output // keyed by dag.PathString(node_path)
}

// NewRunLogger constructs a handler bound to store, purging rows older than
// retention on every RunFinished. If store is nil, the handler is a no-op
// null logger (PersistenceFailure fallback: events still flow and external
// handlers still run, but nothing is persisted).
func NewRunLogger(store *Store, retention time.Duration) *RunLogger {
	return &RunLogger{store: store, retention: retention, nodeOutput: map[string][]events.Output{}}
}

func (l *RunLogger) HandleEvent(e events.Event) {
	if l.store == nil {
		return
	}
	switch ev := e.(type) {
	case events.RunStarted:
		l.onRunStarted(ev)
	case events.NodeStarted:
		l.onNodeStarted(ev)
	case events.Output:
		l.onOutput(ev)
	case events.SystemStatistics:
		l.onSystemStatistics(ev)
	case events.NodeFinished:
		l.onNodeFinished(ev)
	case events.RunFinished:
		l.onRunFinished(ev)
	}
}

func (l *RunLogger) onRunStarted(ev events.RunStarted) {
	l.mu.Lock()
	l.runID = ev.RunID
	l.mu.Unlock()

	run := Run{
		RunID:     ev.RunID,
		NodePath:  ev.NodePath(),
		PID:       ev.PID,
		StartTime: ev.StartTime,
	}
	err := l.store.DB.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketRuns, []byte(ev.RunID), run)
	})
	if err != nil {
		slog.Error("run log: insert run failed", "error", err, "run_id", ev.RunID)
	}
}

func (l *RunLogger) onNodeStarted(ev events.NodeStarted) {
	runID := l.currentRunID()
	nr := NodeRun{
		NodeRunID:  uuid.NewString(),
		RunID:      runID,
		NodePath:   ev.NodePath(),
		StartTime:  ev.StartTime,
		IsPipeline: ev.IsPipeline,
	}
	err := l.store.DB.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketNodeRuns, nodeRunKey(runID, ev.NodePath()), nr)
	})
	if err != nil {
		slog.Error("run log: insert node_run failed", "error", err)
	}
}

func (l *RunLogger) onOutput(ev events.Output) {
	key := dag.PathString(ev.NodePath())
	l.mu.Lock()
	l.nodeOutput[key] = append(l.nodeOutput[key], ev)
	l.mu.Unlock()
}

func (l *RunLogger) onSystemStatistics(ev events.SystemStatistics) {
	row := SystemStatisticsRow{
		Timestamp: ev.Timestamp,
		RunID:     l.currentRunID(),
		DiscRead:  ev.DiscRead, DiscWrite: ev.DiscWrite,
		NetRecv: ev.NetRecv, NetSent: ev.NetSent,
		CPUUsage: ev.CPUUsage, MemUsage: ev.MemUsage, SwapUsage: ev.SwapUsage, IOWait: ev.IOWait,
	}
	key := []byte(row.Timestamp.Format(time.RFC3339Nano) + "\x1f" + row.RunID)
	err := l.store.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSystemStatistics)
		if b.Get(key) != nil {
			// Primary-key conflict: drop the sample, never fatal.
			return nil
		}
		return putJSON(tx, bucketSystemStatistics, key, row)
	})
	if err != nil {
		slog.Error("run log: insert system_statistics failed", "error", err)
	}
}

func (l *RunLogger) onNodeFinished(ev events.NodeFinished) {
	runID := l.currentRunID()
	key := nodeRunKey(runID, ev.NodePath())

	succeeded := ev.Succeeded
	err := l.store.DB.Update(func(tx *bbolt.Tx) error {
		var nr NodeRun
		if ok, err := getJSON(tx, bucketNodeRuns, key, &nr); err != nil {
			return err
		} else if !ok {
			return nil
		}
		endTime := ev.EndTime
		nr.EndTime = &endTime
		nr.Succeeded = &succeeded
		return putJSON(tx, bucketNodeRuns, key, nr)
	})
	if err != nil {
		slog.Error("run log: update node_run failed", "error", err)
	}

	pathKey := dag.PathString(ev.NodePath())
	l.mu.Lock()
	buffered := l.nodeOutput[pathKey]
	delete(l.nodeOutput, pathKey)
	l.mu.Unlock()

	if len(buffered) == 0 {
		return
	}
	err = l.store.DB.Batch(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodeOutputs)
		for i, out := range buffered {
			row := NodeOutput{
				NodeRunID: string(key),
				Timestamp: out.Timestamp,
				Message:   out.Message,
				Format:    string(out.Format),
				IsError:   out.IsError,
			}
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			outKey := []byte(string(key) + "\x1f" + strconv.Itoa(i))
			if err := b.Put(outKey, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("run log: flush node_output batch failed", "error", err)
	}
}

func (l *RunLogger) onRunFinished(ev events.RunFinished) {
	runID := l.currentRunID()
	succeeded := ev.Succeeded
	err := l.store.DB.Update(func(tx *bbolt.Tx) error {
		var run Run
		if ok, err := getJSON(tx, bucketRuns, []byte(runID), &run); err != nil {
			return err
		} else if !ok {
			return nil
		}
		endTime := ev.EndTime
		run.EndTime = &endTime
		run.Succeeded = &succeeded
		return putJSON(tx, bucketRuns, []byte(runID), run)
	})
	if err != nil {
		slog.Error("run log: update run failed", "error", err)
	}

	if l.retention > 0 {
		if err := l.store.Purge(l.retention); err != nil {
			slog.Error("run log: inline purge failed", "error", err)
		}
	}
}

func (l *RunLogger) currentRunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}
