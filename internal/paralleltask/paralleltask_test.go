package paralleltask

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mara-data/dataflow/internal/command"
	"github.com/mara-data/dataflow/internal/incremental"
)

func noopCommand() command.Command {
	return &command.Func{Fn: func(ctx context.Context, sink command.OutputSink) bool { return true }}
}

func TestExpandWiresInitialAndFinal(t *testing.T) {
	units := []Unit{
		{ID: "a", Commands: []command.Command{noopCommand()}},
		{ID: "b", Commands: []command.Command{noopCommand()}},
		{ID: "c", Commands: []command.Command{noopCommand()}},
	}
	p, err := Expand("sub", units, 0, nil, nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(p.Nodes()) != 5 {
		t.Fatalf("expected 5 nodes (init + 3 chunks + final), got %d", len(p.Nodes()))
	}
	init, ok := p.Node("init")
	if !ok {
		t.Fatalf("missing init node")
	}
	if len(init.Upstreams()) != 0 {
		t.Fatalf("init should have no upstreams")
	}
	final, ok := p.Node("final")
	if !ok {
		t.Fatalf("missing final node")
	}
	if len(final.Downstreams()) != 0 {
		t.Fatalf("final should have no downstreams")
	}
	if len(final.Upstreams()) != 3 {
		t.Fatalf("expected 3 upstreams into final, got %d", len(final.Upstreams()))
	}
}

func TestExpandChunksUnitsByMaxParallel(t *testing.T) {
	var units []Unit
	for i := 0; i < 6; i++ {
		units = append(units, Unit{ID: string(rune('a' + i)), Commands: []command.Command{noopCommand()}})
	}
	p, err := Expand("sub", units, 1, nil, nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	// size = ceil(6 / (2*1)) = 3 -> 2 chunk tasks
	if len(p.Nodes()) != 4 {
		t.Fatalf("expected 4 nodes (init + 2 chunks + final), got %d", len(p.Nodes()))
	}
}

func TestExpandWithNoUnitsWiresInitDirectlyToFinal(t *testing.T) {
	p, err := Expand("sub", nil, 0, nil, nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(p.Nodes()) != 2 {
		t.Fatalf("expected 2 nodes (init + final), got %d", len(p.Nodes()))
	}
	init, _ := p.Node("init")
	if len(init.Downstreams()) != 1 {
		t.Fatalf("expected init wired directly to final, got %d downstreams", len(init.Downstreams()))
	}
}

func openTestStore(t *testing.T) *incremental.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := bbolt.Open(filepath.Join(dir, "test.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := incremental.Open(db)
	if err != nil {
		t.Fatalf("incremental.Open: %v", err)
	}
	return store
}

func TestParallelReadFileLaunchesOneTaskPerMatchedFile(t *testing.T) {
	dataDir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv"} {
		if err := os.WriteFile(filepath.Join(dataDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	store := openTestStore(t)

	pt, err := ParallelReadFile("read_files", "", nil, ReadFileSpec{
		DataDir:     dataDir,
		FilePattern: "*.csv",
		ReadMode:    incremental.ReadAll,
		Store:       store,
		ReadCommand: func(fileName string) command.Command { return noopCommand() },
	})
	if err != nil {
		t.Fatalf("ParallelReadFile: %v", err)
	}

	sub, err := pt.Launch()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(sub.Nodes()) != 4 {
		t.Fatalf("expected 4 nodes (init + 2 files + final), got %d", len(sub.Nodes()))
	}
}

func TestParallelReadFileOnlyNewSkipsAlreadyProcessed(t *testing.T) {
	dataDir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv"} {
		if err := os.WriteFile(filepath.Join(dataDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	store := openTestStore(t)

	pt, err := ParallelReadFile("read_files", "", nil, ReadFileSpec{
		DataDir:     dataDir,
		FilePattern: "*.csv",
		ReadMode:    incremental.ReadOnlyNew,
		Store:       store,
		ReadCommand: func(fileName string) command.Command { return noopCommand() },
	})
	if err != nil {
		t.Fatalf("ParallelReadFile: %v", err)
	}

	info, err := os.Stat(filepath.Join(dataDir, "a.csv"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := store.TrackProcessedFile(pt.Path(), "a.csv", info.ModTime()); err != nil {
		t.Fatalf("TrackProcessedFile: %v", err)
	}

	sub, err := pt.Launch()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	// only b.csv left unprocessed -> init + 1 + final
	if len(sub.Nodes()) != 3 {
		t.Fatalf("expected 3 nodes (init + 1 file + final), got %d", len(sub.Nodes()))
	}
}

func TestParallelReadFileOnlyNewExceptLatestExcludesExactlyOneFile(t *testing.T) {
	dataDir := t.TempDir()
	names := []string{"data_2024-01-01.csv", "data_2024-01-02.csv", "data_2024-01-03.csv"}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dataDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	store := openTestStore(t)

	pt, err := ParallelReadFile("read_files", "", nil, ReadFileSpec{
		DataDir:     dataDir,
		FilePattern: "*.csv",
		DateRegex:   regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`),
		ReadMode:    incremental.ReadOnlyNewExceptLatest,
		LastDate:    time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC),
		Store:       store,
		ReadCommand: func(fileName string) command.Command { return noopCommand() },
	})
	if err != nil {
		t.Fatalf("ParallelReadFile: %v", err)
	}

	sub, err := pt.Launch()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	// 3 candidates, all new, latest (2024-01-03) excluded -> init + 2 + final
	if len(sub.Nodes()) != 4 {
		t.Fatalf("expected 4 nodes (init + 2 files + final), got %d", len(sub.Nodes()))
	}
	if _, ok := sub.Node(sanitizeID("data_2024-01-03.csv")); ok {
		t.Fatalf("expected the latest-dated file to be excluded, but it was scheduled")
	}
}

func TestParallelExecutePythonBuildsOneTaskPerParameterTuple(t *testing.T) {
	pt, err := ParallelExecutePython("run_scripts", "", nil, ExecutePythonSpec{
		Parameters: func() ([][]string, error) {
			return [][]string{{"2024-01-01"}, {"2024-01-02"}}, nil
		},
		CommandFactory: func(params []string) command.Command { return noopCommand() },
	})
	if err != nil {
		t.Fatalf("ParallelExecutePython: %v", err)
	}
	sub, err := pt.Launch()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(sub.Nodes()) != 4 {
		t.Fatalf("expected 4 nodes (init + 2 param tasks + final), got %d", len(sub.Nodes()))
	}
}
