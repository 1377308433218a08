package paralleltask

import (
	"fmt"

	"github.com/mara-data/dataflow/internal/command"
	"github.com/mara-data/dataflow/internal/dag"
)

// ExecuteSQLSpec configures ParallelExecuteSQL. SourceRows stands in for the
// source query that returns one parameter row per parallel unit; this
// module does not prescribe a SQL driver (see the database-glue note in
// SPEC_FULL.md), so the caller supplies both the row source and the
// per-row command factory.
type ExecuteSQLSpec struct {
	SourceRows func() ([]map[string]string, error)

	CommandFactory func(row map[string]string) command.Command

	MaxNumberOfParallelTasks int
	CommandsBefore           []command.Command
	CommandsAfter            []command.Command
}

// ParallelExecuteSQL builds a ParallelTask that runs one Task per row
// returned by spec.SourceRows, each built via spec.CommandFactory.
func ParallelExecuteSQL(id, description string, labels map[string]string, spec ExecuteSQLSpec) (*dag.ParallelTask, error) {
	pt, err := dag.NewParallelTask(id, description, labels, spec.MaxNumberOfParallelTasks, nil)
	if err != nil {
		return nil, err
	}
	pt.Launch = func() (*dag.Pipeline, error) {
		rows, err := spec.SourceRows()
		if err != nil {
			return nil, fmt.Errorf("paralleltask: source query: %w", err)
		}
		units := make([]Unit, 0, len(rows))
		for n, row := range rows {
			units = append(units, Unit{
				ID:          fmt.Sprintf("row_%d", n),
				Description: fmt.Sprintf("Runs with row parameters %v", row),
				Commands:    []command.Command{spec.CommandFactory(row)},
			})
		}
		return Expand(pt.ID(), units, spec.MaxNumberOfParallelTasks, spec.CommandsBefore, spec.CommandsAfter)
	}
	return pt, nil
}
