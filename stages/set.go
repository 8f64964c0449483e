package stages

import (
	"fmt"

	"github.com/deepnoodle-ai/taskpipe"
)

// Set maps stage names to stages
type Set map[string]taskpipe.Stage

// NewSet indexes stages by name
func NewSet(stages ...taskpipe.Stage) Set {
	set := make(Set, len(stages))
	for _, s := range stages {
		set[s.Name()] = s
	}
	return set
}

// Workers creates replicas workers for every route of chain whose stage is
// in the set. configure, when given, adjusts the options of each worker.
func (s Set) Workers(chain taskpipe.Chain, bus taskpipe.Bus, checkpointer taskpipe.Checkpointer, replicas int, configure func(*taskpipe.WorkerOptions)) ([]*taskpipe.Worker, error) {
	if replicas <= 0 {
		replicas = 1
	}
	for name := range s {
		if _, err := chain.Route(name); err != nil {
			return nil, err
		}
	}
	var workers []*taskpipe.Worker
	for _, route := range chain {
		stage, ok := s[route.Stage]
		if !ok {
			continue
		}
		for range replicas {
			opts := taskpipe.RouteOptions(route, stage, bus, checkpointer)
			if configure != nil {
				configure(&opts)
			}
			w, err := taskpipe.NewWorker(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s worker: %w", route.Stage, err)
			}
			workers = append(workers, w)
		}
	}
	return workers, nil
}
