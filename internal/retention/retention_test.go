package retention

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mara-data/dataflow/internal/events"
	"github.com/mara-data/dataflow/internal/runlog"
)

func openTestStore(t *testing.T) *runlog.Store {
	t.Helper()
	store, err := runlog.Open(filepath.Join(t.TempDir(), "runlog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSweepPurgesExpiredRows(t *testing.T) {
	store := openTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	seed := runlog.NewRunLogger(store, 0)
	seed.HandleEvent(events.RunStarted{RunID: "old-run", StartTime: old})
	seed.HandleEvent(events.RunFinished{RunID: "old-run", EndTime: old.Add(time.Second), Succeeded: true})

	s, err := NewSweeper(store, time.Millisecond, "@every 1h")
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	// sweep() is exercised directly rather than through the cron trigger,
	// since the scheduling itself is robfig/cron's concern, not ours.
	s.sweep()

	runs, err := store.Query(runlog.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs after sweep = %+v, want none", runs)
	}
}

func TestNewSweeperRejectsInvalidSchedule(t *testing.T) {
	store := openTestStore(t)
	if _, err := NewSweeper(store, time.Hour, "not a cron expression"); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
