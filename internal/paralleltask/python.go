package paralleltask

import (
	"fmt"
	"strings"

	"github.com/mara-data/dataflow/internal/command"
	"github.com/mara-data/dataflow/internal/dag"
)

// ExecutePythonSpec configures ParallelExecutePython. There is no Python
// runtime in this module; CommandFactory stands in for the source's
// ExecutePython(file_name, args) command, built from the parameter tuple the
// scheduler passes it.
type ExecutePythonSpec struct {
	// Parameters returns the list of parameter tuples to fan out over. It is
	// called once, at Launch time, mirroring the source's parameter_function.
	Parameters func() ([][]string, error)

	CommandFactory func(params []string) command.Command

	MaxNumberOfParallelTasks int
	CommandsBefore           []command.Command
	CommandsAfter            []command.Command
}

// ParallelExecutePython builds a ParallelTask that runs one Task per
// parameter tuple returned by spec.Parameters, each built via
// spec.CommandFactory.
func ParallelExecutePython(id, description string, labels map[string]string, spec ExecutePythonSpec) (*dag.ParallelTask, error) {
	pt, err := dag.NewParallelTask(id, description, labels, spec.MaxNumberOfParallelTasks, nil)
	if err != nil {
		return nil, err
	}
	pt.Launch = func() (*dag.Pipeline, error) {
		params, err := spec.Parameters()
		if err != nil {
			return nil, fmt.Errorf("paralleltask: parameter function: %w", err)
		}
		units := make([]Unit, 0, len(params))
		for _, p := range params {
			units = append(units, Unit{
				ID:          sanitizeParams(p),
				Description: fmt.Sprintf("Runs with parameters %v", p),
				Commands:    []command.Command{spec.CommandFactory(p)},
			})
		}
		return Expand(pt.ID(), units, spec.MaxNumberOfParallelTasks, spec.CommandsBefore, spec.CommandsAfter)
	}
	return pt, nil
}

func sanitizeParams(params []string) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, sanitizeID(p))
	}
	id := strings.Join(parts, "_")
	if id == "" {
		id = "params"
	}
	return id
}
