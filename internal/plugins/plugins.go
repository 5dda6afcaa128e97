// Package plugins implements the Command Plugins (spec §4.7): pure
// Task -> Task transforms applied left-to-right over the configured
// plugin list before the Generator walks the tree.
package plugins

import (
	"fmt"

	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/task"
)

// Plugin is a pure rewrite of the task tree. Plugins never introduce a
// Command that was not already present in the input; they may only
// drop or rewrite (spec §4.7 invariant).
type Plugin func(task.Task) (task.Task, error)

// Chain applies plugins left to right, threading each result into the
// next.
func Chain(t task.Task, plugins ...Plugin) (task.Task, error) {
	for _, p := range plugins {
		var err error
		t, err = p(t)
		if err != nil {
			return task.Task{}, err
		}
	}
	return t, nil
}

// Build resolves the configured plugin list (config.Plugin entries, in
// declaration order) into a Chain-able slice. Unknown plugin names are
// a configuration error, matching the strict-decode posture the rest
// of the config package takes.
func Build(entries []config.Plugin) ([]Plugin, error) {
	out := make([]Plugin, 0, len(entries))
	for _, e := range entries {
		switch e.Name {
		case "tagFilter":
			opts, err := decodeTagFilterOptions(e)
			if err != nil {
				return nil, err
			}
			out = append(out, TagFilter(opts))
		case "fusion":
			out = append(out, Fusion())
		case "dependencyLayering":
			out = append(out, DependencyLayering())
		default:
			return nil, fmt.Errorf("plugins: unknown plugin %q", e.Name)
		}
	}
	return out, nil
}
