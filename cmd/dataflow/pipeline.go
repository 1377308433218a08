package main

import (
	"context"

	"github.com/mara-data/dataflow/internal/command"
	"github.com/mara-data/dataflow/internal/config"
	"github.com/mara-data/dataflow/internal/dag"
)

// buildRootPipeline assembles the application's own pipeline tree: a small
// "hello world" example with a nested sub-pipeline, standing in for the
// application-specific pipeline definitions every real install supplies
// itself (the engine has no opinion on where nodes come from).
func buildRootPipeline(cfg config.Config) (*dag.Pipeline, error) {
	root, err := dag.NewPipeline("root", "Example root pipeline", nil)
	if err != nil {
		return nil, err
	}

	greet, err := dag.NewTask("greet", "Prints a greeting", nil,
		command.NewShell(cfg.BashCommandString, "echo hello from dataflow"))
	if err != nil {
		return nil, err
	}
	if err := root.Add(greet); err != nil {
		return nil, err
	}
	root.InitialNode = greet

	sub, err := dag.NewPipeline("stage", "An example sub-pipeline", nil)
	if err != nil {
		return nil, err
	}
	if err := root.Add(sub, greet); err != nil {
		return nil, err
	}

	check, err := dag.NewTask("check", "Runs an in-process check", nil,
		&command.Func{Repr: "check()", Fn: func(_ context.Context, sink command.OutputSink) bool {
			sink("check passed", false)
			return true
		}})
	if err != nil {
		return nil, err
	}
	if err := sub.Add(check); err != nil {
		return nil, err
	}

	return root, nil
}
