// Package task defines the recursive task tree that the generator walks
// and the command plugins rewrite.
package task

import "github.com/factorialco/shadowdog/internal/config"

// Kind discriminates the sum type described by the Task tree invariant:
// a well-formed tree has no cycles and plugins preserve the artifacts
// they don't drop.
type Kind int

const (
	// KindEmpty is the identity element produced by plugins that prune.
	KindEmpty Kind = iota
	// KindCommand is a resolved Command plus its file list and env names.
	KindCommand
	// KindParallel holds tasks runnable concurrently.
	KindParallel
	// KindSerial holds tasks that must run in order.
	KindSerial
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindParallel:
		return "parallel"
	case KindSerial:
		return "serial"
	default:
		return "empty"
	}
}

// Task is the tagged union Parallel | Serial | Command | Empty. Only the
// fields relevant to Kind are populated; callers should switch on Kind
// rather than inspecting fields directly.
type Task struct {
	Kind Kind

	// Populated when Kind == KindCommand.
	Watcher                *config.Watcher
	Command                config.Command
	Files                  []string
	InvalidatorFiles       []string
	InvalidatorEnvironment []string

	// Populated when Kind == KindParallel or KindSerial.
	Children []Task
}

// Empty returns the identity element.
func Empty() Task {
	return Task{Kind: KindEmpty}
}

// Parallel builds a Parallel node, dropping any Empty children.
func Parallel(children ...Task) Task {
	return Task{Kind: KindParallel, Children: compact(children)}
}

// Serial builds a Serial node, dropping any Empty children.
func Serial(children ...Task) Task {
	return Task{Kind: KindSerial, Children: compact(children)}
}

func compact(in []Task) []Task {
	out := make([]Task, 0, len(in))
	for _, t := range in {
		if t.Kind == KindEmpty {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Artifacts returns the union of Artifacts reachable from this node,
// used to verify that plugins never add artifacts that weren't present
// in the original tree.
func (t Task) Artifacts() []config.Artifact {
	switch t.Kind {
	case KindCommand:
		return t.Command.Artifacts
	case KindParallel, KindSerial:
		var out []config.Artifact
		for _, c := range t.Children {
			out = append(out, c.Artifacts()...)
		}
		return out
	default:
		return nil
	}
}

// Walk invokes fn for every Command leaf in the tree, depth-first.
func (t Task) Walk(fn func(Task)) {
	switch t.Kind {
	case KindCommand:
		fn(t)
	case KindParallel, KindSerial:
		for _, c := range t.Children {
			c.Walk(fn)
		}
	}
}

// Commands returns every Command leaf in the tree, depth-first.
func (t Task) Commands() []Task {
	var out []Task
	t.Walk(func(leaf Task) { out = append(out, leaf) })
	return out
}
