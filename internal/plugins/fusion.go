package plugins

import (
	"strings"

	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/task"
)

// Fusion groups Commands that share a command-family prefix (every
// token but the last) and working directory into a single fused
// Command, concatenating inputs, invalidators, artifacts and tags
// (spec §4.7). The first occurrence of a fusable group is rewritten in
// place to the fused Command; later occurrences collapse to Empty so
// the tree's shape (and the position the fused Command runs in) is
// preserved.
func Fusion() Plugin {
	return func(t task.Task) (task.Task, error) {
		groups := map[string][]task.Task{}
		order := []string{}
		t.Walk(func(leaf task.Task) {
			key, ok := fusionKey(leaf.Command)
			if !ok {
				return
			}
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], leaf)
		})

		fused := map[string]task.Task{}
		for _, key := range order {
			members := groups[key]
			if len(members) < 2 {
				continue
			}
			fused[key] = fuse(members)
		}
		if len(fused) == 0 {
			return t, nil
		}

		emitted := map[string]bool{}
		return rewrite(t, func(leaf task.Task) task.Task {
			key, ok := fusionKey(leaf.Command)
			if !ok {
				return leaf
			}
			f, isFused := fused[key]
			if !isFused {
				return leaf
			}
			if emitted[key] {
				return task.Empty()
			}
			emitted[key] = true
			return f
		}), nil
	}
}

// fusionKey is the working directory plus every command token but the
// last — the "family prefix" spec §4.7 describes.
func fusionKey(c config.Command) (string, bool) {
	fields := strings.Fields(c.Command)
	if len(fields) < 2 {
		return "", false
	}
	prefix := strings.Join(fields[:len(fields)-1], " ")
	return c.WorkingDirectory + "\x00" + prefix, true
}

func fuse(members []task.Task) task.Task {
	first := members[0]
	fields := strings.Fields(first.Command.Command)
	prefix := strings.Join(fields[:len(fields)-1], " ")

	var args []string
	var files, invalidatorFiles, invalidatorEnv []string
	var artifacts []config.Artifact
	var tags []string
	for _, m := range members {
		last := strings.Fields(m.Command.Command)
		args = append(args, last[len(last)-1])
		files = append(files, m.Files...)
		invalidatorFiles = append(invalidatorFiles, m.InvalidatorFiles...)
		invalidatorEnv = append(invalidatorEnv, m.InvalidatorEnvironment...)
		artifacts = append(artifacts, m.Command.Artifacts...)
		tags = append(tags, m.Command.Tags...)
	}

	fusedCmd := config.Command{
		Command:          prefix + " " + strings.Join(args, " "),
		WorkingDirectory: first.Command.WorkingDirectory,
		Tags:             dedupeStrings(tags),
		Artifacts:        artifacts,
	}

	return task.Task{
		Kind:                   task.KindCommand,
		Watcher:                first.Watcher,
		Command:                fusedCmd,
		Files:                  dedupeStrings(files),
		InvalidatorFiles:       dedupeStrings(invalidatorFiles),
		InvalidatorEnvironment: dedupeStrings(invalidatorEnv),
	}
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
