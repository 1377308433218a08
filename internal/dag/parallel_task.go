package dag

import "github.com/mara-data/dataflow/internal/command"

// ParallelTask expands, at run time, into a sub-pipeline via Launch.
type ParallelTask struct {
	base
	CommandsBefore        []command.Command
	CommandsAfter         []command.Command
	MaxNumberOfParallelTasks int

	// Launch materialises the sub-pipeline that replaces this node once the
	// scheduler dispatches it. It is supplied by the concrete generator
	// (internal/paralleltask) and must return a well-formed Pipeline.
	Launch func() (*Pipeline, error)
}

// NewParallelTask creates a parallel task. maxParallel <= 0 means unbounded.
func NewParallelTask(id, description string, labels map[string]string, maxParallel int, launch func() (*Pipeline, error)) (*ParallelTask, error) {
	if !validID(id) {
		return nil, ErrInvalidID
	}
	return &ParallelTask{
		base:                     newBase(id, description, labels),
		MaxNumberOfParallelTasks: maxParallel,
		Launch:                   launch,
	}, nil
}

func (p *ParallelTask) Kind() Kind       { return KindParallelTask }
func (p *ParallelTask) IsPipeline() bool { return false }

var _ Node = (*ParallelTask)(nil)
