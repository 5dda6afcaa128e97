package plugins

import (
	"os"

	"github.com/mitchellh/mapstructure"

	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/task"
)

// TagFilterOptions names the environment variable that, when set,
// activates the filter (spec §4.7 / §6's tag-selection variable).
type TagFilterOptions struct {
	Variable string `mapstructure:"variable"`
}

func decodeTagFilterOptions(e config.Plugin) (TagFilterOptions, error) {
	opts := TagFilterOptions{Variable: "SHADOWDOG_TAG"}
	raw, err := e.RawOptions()
	if err != nil {
		return opts, err
	}
	if raw == nil {
		return opts, nil
	}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

// TagFilter replaces any Command whose Tags do not include the active
// tag with Empty. When the selection variable is unset, it is a no-op
// — no tag is "active".
func TagFilter(opts TagFilterOptions) Plugin {
	return func(t task.Task) (task.Task, error) {
		active, ok := os.LookupEnv(opts.Variable)
		if !ok || active == "" {
			return t, nil
		}
		return rewrite(t, func(leaf task.Task) task.Task {
			if hasTag(leaf.Command.Tags, active) {
				return leaf
			}
			return task.Empty()
		}), nil
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// rewrite applies fn to every Command leaf, preserving the shape of
// Parallel/Serial nodes (compact() drops any leaf fn turns into Empty).
func rewrite(t task.Task, fn func(task.Task) task.Task) task.Task {
	switch t.Kind {
	case task.KindCommand:
		return fn(t)
	case task.KindParallel:
		children := make([]task.Task, len(t.Children))
		for i, c := range t.Children {
			children[i] = rewrite(c, fn)
		}
		return task.Parallel(children...)
	case task.KindSerial:
		children := make([]task.Task, len(t.Children))
		for i, c := range t.Children {
			children[i] = rewrite(c, fn)
		}
		return task.Serial(children...)
	default:
		return t
	}
}
