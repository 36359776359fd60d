package loom

import (
	"context"
	"fmt"
)

// BuildRequest assembles the model request for one tick from the agent's
// configuration and the current history. Only tools whose Enabled predicate
// holds are advertised. BuildRequest has no side effects beyond the
// predicates it calls; a predicate error aborts the build.
func BuildRequest(ctx context.Context, agent *Agent, rc *RunContext, history []Event) (ModelRequest, error) {
	system := agent.instructions
	if agent.instructionsFn != nil {
		s, err := agent.instructionsFn(ctx, rc)
		if err != nil {
			return ModelRequest{}, fmt.Errorf("resolve instructions: %w", err)
		}
		system = s
	}

	var specs []ToolSpec
	for _, t := range agent.Tools() {
		ok, err := t.Enabled(ctx, rc, agent)
		if err != nil {
			return ModelRequest{}, fmt.Errorf("tool %s enabled check: %w", t.ID(), err)
		}
		if !ok {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	settings := agent.settings
	settings.Stop = append([]string(nil), agent.settings.Stop...)

	return ModelRequest{
		System:         system,
		History:        append([]Event(nil), history...),
		Tools:          specs,
		Settings:       settings,
		ResponseFormat: agent.output.ResponseFormat(),
	}, nil
}
