package runlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mara-data/dataflow/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runlog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLoggerPersistsFullRunLifecycle(t *testing.T) {
	store := openTestStore(t)
	logger := NewRunLogger(store, 0)

	start := time.Now().Add(-time.Minute)
	logger.HandleEvent(events.RunStarted{
		StartTime: start,
		PID:       1234,
		RunID:     "run-1",
	})

	nodeStarted := events.NodeStarted{StartTime: start}
	nodeStarted.Path = []string{"root", "task"}
	logger.HandleEvent(nodeStarted)

	out1 := events.Output{Message: "line one", Timestamp: start}
	out1.Path = []string{"root", "task"}
	logger.HandleEvent(out1)

	out2 := events.Output{Message: "line two", IsError: true, Timestamp: start}
	out2.Path = []string{"root", "task"}
	logger.HandleEvent(out2)

	end := start.Add(5 * time.Second)
	nodeFinished := events.NodeFinished{StartTime: start, EndTime: end, Succeeded: true}
	nodeFinished.Path = []string{"root", "task"}
	logger.HandleEvent(nodeFinished)

	logger.HandleEvent(events.RunFinished{
		EndTime:   end,
		Succeeded: true,
		RunID:     "run-1",
	})

	runs, err := store.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].EndTime == nil || runs[0].Succeeded == nil || !*runs[0].Succeeded {
		t.Fatalf("run not closed as succeeded: %+v", runs[0])
	}

	nodeRuns, err := store.NodeRunsForRun("run-1")
	if err != nil {
		t.Fatalf("node runs for run: %v", err)
	}
	if len(nodeRuns) != 1 {
		t.Fatalf("len(nodeRuns) = %d, want 1", len(nodeRuns))
	}
	if nodeRuns[0].EndTime == nil || nodeRuns[0].Succeeded == nil || !*nodeRuns[0].Succeeded {
		t.Fatalf("node run not closed as succeeded: %+v", nodeRuns[0])
	}

	outputs, err := store.OutputsForNodeRun("run-1", []string{"root", "task"})
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("len(outputs) = %d, want 2", len(outputs))
	}
	if outputs[0].Message != "line one" || outputs[1].Message != "line two" {
		t.Fatalf("unexpected output order/content: %+v", outputs)
	}
	if !outputs[1].IsError {
		t.Fatalf("expected second output line to be flagged as stderr")
	}
}

func TestAverageDurationsComputesMeanPerPath(t *testing.T) {
	store := openTestStore(t)
	logger := NewRunLogger(store, 0)

	run := func(runID string, d time.Duration) {
		start := time.Now()
		logger.HandleEvent(events.RunStarted{RunID: runID, StartTime: start})

		nodeStarted := events.NodeStarted{StartTime: start}
		nodeStarted.Path = []string{"root", "task"}
		logger.HandleEvent(nodeStarted)

		nodeFinished := events.NodeFinished{StartTime: start, EndTime: start.Add(d), Succeeded: true}
		nodeFinished.Path = []string{"root", "task"}
		logger.HandleEvent(nodeFinished)

		logger.HandleEvent(events.RunFinished{RunID: runID, EndTime: start.Add(d), Succeeded: true})
	}
	run("run-a", 2*time.Second)
	run("run-b", 4*time.Second)

	avg, err := store.AverageDurations([]string{"root"})
	if err != nil {
		t.Fatalf("average durations: %v", err)
	}
	got := avg["root\x1ftask"]
	if got != 3.0 {
		t.Fatalf("avg duration = %v, want 3.0", got)
	}
}

func TestPurgeRemovesExpiredRunsAndStats(t *testing.T) {
	store := openTestStore(t)
	logger := NewRunLogger(store, 0)

	old := time.Now().Add(-48 * time.Hour)
	logger.HandleEvent(events.RunStarted{RunID: "old-run", StartTime: old})
	logger.HandleEvent(events.RunFinished{RunID: "old-run", EndTime: old.Add(time.Second), Succeeded: true})

	recent := time.Now()
	logger.HandleEvent(events.RunStarted{RunID: "new-run", StartTime: recent})
	logger.HandleEvent(events.RunFinished{RunID: "new-run", EndTime: recent.Add(time.Second), Succeeded: true})

	if err := store.Purge(24 * time.Hour); err != nil {
		t.Fatalf("purge: %v", err)
	}

	runs, err := store.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "new-run" {
		t.Fatalf("runs after purge = %+v, want only new-run", runs)
	}
}

func TestRunFinishedTriggersInlinePurge(t *testing.T) {
	store := openTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	seed := NewRunLogger(store, 0)
	seed.HandleEvent(events.RunStarted{RunID: "old-run", StartTime: old})
	seed.HandleEvent(events.RunFinished{RunID: "old-run", EndTime: old.Add(time.Second), Succeeded: true})

	logger := NewRunLogger(store, 24*time.Hour)
	recent := time.Now()
	logger.HandleEvent(events.RunStarted{RunID: "new-run", StartTime: recent})
	logger.HandleEvent(events.RunFinished{RunID: "new-run", EndTime: recent.Add(time.Second), Succeeded: true})

	runs, err := store.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "new-run" {
		t.Fatalf("runs after RunFinished = %+v, want only new-run purged inline", runs)
	}
}

func TestCloseAllOpenRunsMarksAbandonedRunsFailed(t *testing.T) {
	store := openTestStore(t)
	logger := NewRunLogger(store, 0)

	logger.HandleEvent(events.RunStarted{RunID: "crashed-run", StartTime: time.Now()})
	nodeStarted := events.NodeStarted{StartTime: time.Now()}
	nodeStarted.Path = []string{"root", "task"}
	logger.HandleEvent(nodeStarted)

	n, err := store.CloseAllOpenRuns()
	if err != nil {
		t.Fatalf("close all open runs: %v", err)
	}
	if n != 1 {
		t.Fatalf("closed count = %d, want 1", n)
	}

	runs, err := store.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(runs) != 1 || runs[0].Succeeded == nil || *runs[0].Succeeded {
		t.Fatalf("expected crashed run to be closed as failed, got %+v", runs[0])
	}

	nodeRuns, err := store.NodeRunsForRun("crashed-run")
	if err != nil {
		t.Fatalf("node runs: %v", err)
	}
	if len(nodeRuns) != 1 || nodeRuns[0].Succeeded == nil || *nodeRuns[0].Succeeded {
		t.Fatalf("expected open node run to be closed as failed, got %+v", nodeRuns)
	}

	if n2, err := store.CloseAllOpenRuns(); err != nil || n2 != 0 {
		t.Fatalf("second sweep should find nothing open, got n=%d err=%v", n2, err)
	}
}

func TestNullRunLoggerIsANoOp(t *testing.T) {
	logger := NewRunLogger(nil, 0)
	logger.HandleEvent(events.RunStarted{RunID: "x", StartTime: time.Now()})
}
