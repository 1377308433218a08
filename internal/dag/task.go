package dag

import (
	"context"

	"github.com/mara-data/dataflow/internal/command"
)

// Task is a leaf node owning an ordered sequence of commands.
type Task struct {
	base
	Commands   []command.Command
	MaxRetries *int
}

// NewTask creates a task. id must match the node id grammar.
func NewTask(id, description string, labels map[string]string, commands ...command.Command) (*Task, error) {
	if !validID(id) {
		return nil, ErrInvalidID
	}
	return &Task{
		base:     newBase(id, description, labels),
		Commands: commands,
	}, nil
}

func (t *Task) Kind() Kind       { return KindTask }
func (t *Task) IsPipeline() bool { return false }

// Run executes every command in order; the task succeeds iff all of them do.
// The first failing command stops the task.
func (t *Task) Run(ctx context.Context, sink command.OutputSink) bool {
	for _, c := range t.Commands {
		if !c.Run(ctx, sink) {
			return false
		}
	}
	return true
}

var _ Node = (*Task)(nil)
