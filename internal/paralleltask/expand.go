// Package paralleltask implements the runtime fan-out generators (C11):
// concrete dag.ParallelTask.Launch implementations that each turn one
// matched input (a file, a parameter tuple, a source row) into one Task in a
// freshly built sub-pipeline.
package paralleltask

import (
	"fmt"

	"github.com/mara-data/dataflow/internal/command"
	"github.com/mara-data/dataflow/internal/dag"
)

// Unit is one piece of work a generator turns into a child Task: an id
// unique within the sub-pipeline and the commands that do the work.
type Unit struct {
	ID          string
	Description string
	Commands    []command.Command
}

// Expand builds the sub-pipeline every generator's Launch returns: an
// initial task running commandsBefore, one task per unit (chunked so no more
// than 2*maxParallel tasks are created, mirroring the source's
// chunk_size = ceil(len(files) / (2 * max_number_of_parallel_tasks))), and a
// final task running commandsAfter. maxParallel <= 0 means unbounded (one
// task per unit, no chunking).
func Expand(id string, units []Unit, maxParallel int, commandsBefore, commandsAfter []command.Command) (*dag.Pipeline, error) {
	sub, err := dag.NewPipeline(id, "", nil)
	if err != nil {
		return nil, err
	}

	initTask, err := dag.NewTask("init", "Runs commands_before", nil, commandsBefore...)
	if err != nil {
		return nil, err
	}
	if err := sub.Add(initTask); err != nil {
		return nil, err
	}
	sub.InitialNode = initTask

	for _, chunk := range chunkUnits(units, maxParallel) {
		chunkTask, err := dag.NewTask(chunk.id, chunk.description, nil, chunk.commands...)
		if err != nil {
			return nil, err
		}
		if err := sub.Add(chunkTask); err != nil {
			return nil, err
		}
	}

	finalTask, err := dag.NewTask("final", "Runs commands_after", nil, commandsAfter...)
	if err != nil {
		return nil, err
	}
	if err := sub.Add(finalTask); err != nil {
		return nil, err
	}
	if err := sub.AddFinal(finalTask); err != nil {
		return nil, err
	}

	return sub, nil
}

type unitChunk struct {
	id          string
	description string
	commands    []command.Command
}

func chunkUnits(units []Unit, maxParallel int) []unitChunk {
	if len(units) == 0 {
		return nil
	}
	size := 1
	if maxParallel > 0 {
		size = (len(units) + 2*maxParallel - 1) / (2 * maxParallel)
		if size < 1 {
			size = 1
		}
	}

	var chunks []unitChunk
	for i := 0; i < len(units); i += size {
		end := i + size
		if end > len(units) {
			end = len(units)
		}
		slice := units[i:end]
		var cmds []command.Command
		id := fmt.Sprintf("chunk_%d", len(chunks))
		description := fmt.Sprintf("Runs %d parallel units", len(slice))
		if len(slice) == 1 {
			id = slice[0].ID
			description = slice[0].Description
		}
		for _, u := range slice {
			cmds = append(cmds, u.Commands...)
		}
		chunks = append(chunks, unitChunk{id: id, description: description, commands: cmds})
	}
	return chunks
}
