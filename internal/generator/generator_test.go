package generator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialco/shadowdog/internal/cache"
	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/eventbus"
	"github.com/factorialco/shadowdog/internal/task"
	"github.com/factorialco/shadowdog/internal/taskrunner"
)

func newTestGenerator(root string) *Generator {
	return New(root, nil, eventbus.New(nil), nil, nil)
}

func commandTask(command string, outputs ...string) task.Task {
	artifacts := make([]config.Artifact, len(outputs))
	for i, o := range outputs {
		artifacts[i] = config.Artifact{Output: o}
	}
	return task.Task{
		Kind:    task.KindCommand,
		Command: config.Command{Command: command, Artifacts: artifacts},
	}
}

func TestGenerateRunsCommandAndWaitsForDeclaredArtifact(t *testing.T) {
	root := t.TempDir()
	g := newTestGenerator(root)

	tr := commandTask("touch out.txt", "out.txt")

	err := g.Generate(context.Background(), tr, Options{Root: root})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(root, "out.txt"))
	assert.NoError(t, statErr)
}

func TestGenerateFailsWhenDeclaredArtifactNeverAppears(t *testing.T) {
	root := t.TempDir()
	t.Setenv("SHADOWDOG_ARTIFACT_WAIT_MAX_RETRIES", "0")
	g := newTestGenerator(root)

	tr := commandTask("true", "never.txt")

	err := g.Generate(context.Background(), tr, Options{Root: root})
	require.Error(t, err)
	var unavailable *ArtifactsUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"never.txt"}, unavailable.Missing)
}

func TestGenerateRemovesStaleArtifactBeforeRunning(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stale.txt"), []byte("old"), 0o644))

	g := newTestGenerator(root)
	tr := commandTask("echo -n fresh > stale.txt", "stale.txt")

	err := g.Generate(context.Background(), tr, Options{Root: root})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "stale.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestGenerateCacheHitPreservesPreexistingArtifactForSHAComparison(t *testing.T) {
	root := t.TempDir()
	backend, err := cache.NewLocalBackend(filepath.Join(root, ".shadowdog-cache"))
	require.NoError(t, err)

	middleware := cache.Middleware(hclog.NewNullLogger(), backend, cache.Flags{Read: true, Write: true}, root, t.TempDir())
	g := New(root, hclog.NewNullLogger(), eventbus.New(nil), []taskrunner.Middleware{middleware}, nil)

	tr := commandTask("printf fresh > out.txt", "out.txt")

	// First run: cache miss, command executes and populates both the
	// artifact and the cache entry for it.
	require.NoError(t, g.Generate(context.Background(), tr, Options{Root: root}))

	outPath := filepath.Join(root, "out.txt")
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(outPath, old, old))

	// Second run with an identical tree hits the cache. The destination
	// already matches the cached content, so restoreOne's SHA comparison
	// should take the skip-restore branch and leave the file (and its
	// mtime) untouched rather than the Generator deleting it up front.
	require.NoError(t, g.Generate(context.Background(), tr, Options{Root: root}))

	info, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.WithinDuration(t, old, info.ModTime(), time.Second)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestGenerateSerialStopsOnFirstErrorWithoutContinueOnError(t *testing.T) {
	root := t.TempDir()
	g := newTestGenerator(root)

	tree := task.Serial(
		commandTask("exit 1"),
		commandTask("touch should-not-exist.txt", "should-not-exist.txt"),
	)

	err := g.Generate(context.Background(), tree, Options{Root: root})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "should-not-exist.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestGenerateSerialContinuesAndAggregatesErrors(t *testing.T) {
	root := t.TempDir()
	g := newTestGenerator(root)

	tree := task.Serial(
		commandTask("exit 1"),
		commandTask("touch second.txt", "second.txt"),
	)

	err := g.Generate(context.Background(), tree, Options{Root: root, ContinueOnError: true})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "second.txt"))
	assert.NoError(t, statErr)
}

func TestGenerateParallelContinuesAndAggregatesErrors(t *testing.T) {
	root := t.TempDir()
	g := newTestGenerator(root)

	tree := task.Parallel(
		commandTask("exit 1"),
		commandTask("touch parallel-ok.txt", "parallel-ok.txt"),
	)

	err := g.Generate(context.Background(), tree, Options{Root: root, ContinueOnError: true})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "parallel-ok.txt"))
	assert.NoError(t, statErr)
}

func TestGenerateEmptyTreeIsNoop(t *testing.T) {
	root := t.TempDir()
	g := newTestGenerator(root)

	err := g.Generate(context.Background(), task.Task{Kind: task.KindEmpty}, Options{Root: root})
	require.NoError(t, err)
}

func TestGenerateSubstitutesChangedFilePathToken(t *testing.T) {
	root := t.TempDir()
	g := newTestGenerator(root)

	tr := commandTask("cp $FILE copy.txt", "copy.txt")
	src := filepath.Join(root, "source.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	err := g.Generate(context.Background(), tr, Options{Root: root, ChangedFilePath: src})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestBuildSkipsDisabledWatchers(t *testing.T) {
	root := t.TempDir()
	g := newTestGenerator(root)
	disabled := false

	cfg := &config.Config{
		Watchers: []config.Watcher{
			{
				Label:    "off",
				Enabled:  &disabled,
				Files:    []string{"**/*.go"},
				Commands: []config.Command{{Command: "true", Artifacts: []config.Artifact{{Output: "x"}}}},
			},
		},
	}

	tree, err := g.Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, task.KindParallel, tree.Kind)
	assert.Empty(t, tree.Children)
}

func TestResolveOutputPathLeavesAbsolutePathsAlone(t *testing.T) {
	assert.Equal(t, "/abs/out", resolveOutputPath("/root", "/abs/out"))
	assert.Equal(t, "/root/rel/out", resolveOutputPath("/root", "rel/out"))
	assert.Equal(t, "", resolveOutputPath("/root", ""))
}
