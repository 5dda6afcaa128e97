package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/eventbus"
	"github.com/factorialco/shadowdog/internal/generator"
	"github.com/factorialco/shadowdog/internal/task"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func commandTask(watcher *config.Watcher, command string, outputs ...string) task.Task {
	artifacts := make([]config.Artifact, len(outputs))
	for i, o := range outputs {
		artifacts[i] = config.Artifact{Output: o}
	}
	return task.Task{
		Kind:    task.KindCommand,
		Watcher: watcher,
		Command: config.Command{Command: command, Artifacts: artifacts},
	}
}

func TestFilterToWatcherKeepsOnlyMatchingScopeCommands(t *testing.T) {
	a := &config.Watcher{Label: "frontend"}
	b := &config.Watcher{Label: "backend"}
	tree := task.Parallel(commandTask(a, "build fe", "fe.js"), commandTask(b, "build be", "be.bin"))

	out := filterToWatcher(tree, "backend")
	require.Equal(t, task.KindParallel, out.Kind)
	require.Len(t, out.Children, 1)
	assert.Equal(t, "build be", out.Children[0].Command.Command)
}

func TestFilterToArtifactKeepsOnlyMatchingOutput(t *testing.T) {
	tree := task.Parallel(
		commandTask(nil, "build fe", "fe.js"),
		commandTask(nil, "build be", "be.bin"),
	)

	out := filterToArtifact(tree, "be.bin")
	require.Equal(t, task.KindParallel, out.Kind)
	require.Len(t, out.Children, 1)
	assert.Equal(t, "build be", out.Children[0].Command.Command)
}

func TestWatchRootForStopsBeforeGlobMetacharacter(t *testing.T) {
	assert.Equal(t, filepath.Join("/root", "src"), watchRootFor("/root", "src/**/*.go"))
	assert.Equal(t, "/root", watchRootFor("/root", "**/*.go"))
	assert.Equal(t, filepath.Join("/root", "pkg"), watchRootFor("/root", "pkg/main.go"))
}

func TestTrackProcessExitCallbackClearsRegistry(t *testing.T) {
	root := t.TempDir()
	d := New(root, filepath.Join(root, "shadowdog.json"), func() (*config.Config, error) { return nil, nil }, hclog.NewNullLogger(), eventbus.New(nil), nil, filepath.Join(root, "shadowdog.pid"), nil)

	proc := &os.Process{Pid: 999999}
	onExit := d.trackProcess(proc)
	assert.Len(t, d.procs, 1)
	onExit(nil)
	assert.Len(t, d.procs, 0)
}

func TestPauseAccumulatesPendingAndResumeTouchesFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "1")
	bus := eventbus.New(hclog.NewNullLogger())
	d := New(root, filepath.Join(root, "shadowdog.json"), func() (*config.Config, error) { return nil, nil }, hclog.NewNullLogger(), bus, nil, filepath.Join(root, "shadowdog.pid"), nil)

	d.Pause()
	d.notifyScope("scope", "a.txt", eventbus.ChangeModify)

	d.mu.Lock()
	_, pending := d.pending["a.txt"]
	d.mu.Unlock()
	assert.True(t, pending)

	abs := filepath.Join(root, "a.txt")
	old, err := os.Stat(abs)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	d.Resume()

	updated, err := os.Stat(abs)
	require.NoError(t, err)
	assert.True(t, updated.ModTime().After(old.ModTime()) || updated.ModTime().Equal(old.ModTime()))

	d.mu.Lock()
	paused := d.paused
	remaining := len(d.pending)
	d.mu.Unlock()
	assert.False(t, paused)
	assert.Equal(t, 0, remaining)
}

func TestComputeArtifactBuildsOnlyMatchingCommand(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.go", "package a")

	bus := eventbus.New(hclog.NewNullLogger())
	gen := generator.New(root, hclog.NewNullLogger(), bus, nil, nil)

	cfg := &config.Config{
		Watchers: []config.Watcher{{
			Label: "main",
			Files: []string{"src/a.go"},
			Commands: []config.Command{
				{Command: "touch keep.txt", Artifacts: []config.Artifact{{Output: "keep.txt"}}},
				{Command: "touch other.txt", Artifacts: []config.Artifact{{Output: "other.txt"}}},
			},
		}},
	}

	d := New(root, filepath.Join(root, "shadowdog.json"), func() (*config.Config, error) { return cfg, nil }, hclog.NewNullLogger(), bus, gen, filepath.Join(root, "shadowdog.pid"), nil)
	d.cfg = cfg

	d.ComputeArtifact("keep.txt")

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "keep.txt"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := os.Stat(filepath.Join(root, "other.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestComputeAllArtifactsBuildsEveryCommand(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.go", "package a")

	bus := eventbus.New(hclog.NewNullLogger())
	gen := generator.New(root, hclog.NewNullLogger(), bus, nil, nil)

	cfg := &config.Config{
		Watchers: []config.Watcher{{
			Label: "main",
			Files: []string{"src/a.go"},
			Commands: []config.Command{
				{Command: "touch one.txt", Artifacts: []config.Artifact{{Output: "one.txt"}}},
				{Command: "touch two.txt", Artifacts: []config.Artifact{{Output: "two.txt"}}},
			},
		}},
	}

	d := New(root, filepath.Join(root, "shadowdog.json"), func() (*config.Config, error) { return cfg, nil }, hclog.NewNullLogger(), bus, gen, filepath.Join(root, "shadowdog.pid"), nil)
	d.cfg = cfg

	d.ComputeAllArtifacts()

	require.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(root, "one.txt"))
		_, err2 := os.Stat(filepath.Join(root, "two.txt"))
		return err1 == nil && err2 == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunRejectsSecondInstanceOnSamePidfile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.go", "package a")
	configPath := filepath.Join(root, "shadowdog.json")
	pidPath := filepath.Join(root, ".shadowdog", "shadowdog.pid")

	cfg := &config.Config{
		Watchers: []config.Watcher{{Label: "main", Files: []string{"src/a.go"}, Commands: []config.Command{{Command: "true"}}}},
	}
	loadConfig := func() (*config.Config, error) { return cfg, nil }

	bus1 := eventbus.New(hclog.NewNullLogger())
	gen1 := generator.New(root, hclog.NewNullLogger(), bus1, nil, nil)
	d1 := New(root, configPath, loadConfig, hclog.NewNullLogger(), bus1, gen1, pidPath, nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d1.Run(ctx1) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(pidPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	bus2 := eventbus.New(hclog.NewNullLogger())
	gen2 := generator.New(root, hclog.NewNullLogger(), bus2, nil, nil)
	d2 := New(root, configPath, loadConfig, hclog.NewNullLogger(), bus2, gen2, pidPath, nil)
	err := d2.Run(context.Background())
	assert.Error(t, err)

	cancel1()
	<-runErrCh
}
