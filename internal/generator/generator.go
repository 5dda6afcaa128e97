// Package generator builds the Task tree from a Config, rewrites it
// with the configured Command Plugins, and walks it, constructing a
// Task Runner per Command backed by the Cache Middlewares and the
// Process Supervisor terminal (spec §4.9).
package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/eventbus"
	"github.com/factorialco/shadowdog/internal/plugins"
	"github.com/factorialco/shadowdog/internal/resolver"
	"github.com/factorialco/shadowdog/internal/supervisor"
	"github.com/factorialco/shadowdog/internal/task"
	"github.com/factorialco/shadowdog/internal/taskrunner"
)

// ArtifactsUnavailableError is the structured error returned when a
// Command's declared artifacts are still missing, unreadable or empty
// after the readiness retry budget is exhausted (spec §4.9).
type ArtifactsUnavailableError struct {
	Command string
	Missing []string
}

func (e *ArtifactsUnavailableError) Error() string {
	return fmt.Sprintf("generator: artifacts unavailable after command %q: %v", e.Command, e.Missing)
}

// Options configures a single walk of the tree. ProcessTracker, if set,
// is invoked with every spawned process so the Daemon can track and
// kill superseded Commands; it returns the callback to run once that
// process exits.
type Options struct {
	Root            string
	ContinueOnError bool
	ChangedFilePath string
	ProcessTracker  func(proc *os.Process) (onExit func(error))
}

// Generator owns everything needed to turn a Config into a runnable
// Task tree: the process root, logger, event bus and the per-Command
// middleware stack.
type Generator struct {
	Root          string
	Logger        hclog.Logger
	EventBus      *eventbus.Bus
	Middlewares   []taskrunner.Middleware
	PluginEntries []config.Plugin
}

// New builds a Generator.
func New(root string, logger hclog.Logger, bus *eventbus.Bus, middlewares []taskrunner.Middleware, pluginEntries []config.Plugin) *Generator {
	return &Generator{Root: root, Logger: logger, EventBus: bus, Middlewares: middlewares, PluginEntries: pluginEntries}
}

// Build resolves every Watcher's file set and produces the Task tree
// (a top-level Parallel of every Command across every enabled Watcher),
// then applies the configured Command Plugins left to right.
func (g *Generator) Build(cfg *config.Config) (task.Task, error) {
	var commands []task.Task
	for wi := range cfg.Watchers {
		w := &cfg.Watchers[wi]
		if !w.IsEnabled() {
			continue
		}
		ignore := append(append([]string{}, cfg.DefaultIgnoredFiles...), w.Ignored...)

		files, err := resolver.Resolve(g.Root, w.Files, ignore, resolver.Options{})
		if err != nil {
			return task.Task{}, fmt.Errorf("generator: resolving watcher %q files: %w", w.Label, err)
		}
		invalidatorFiles, err := resolver.Resolve(g.Root, w.Invalidators.Files, ignore, resolver.Options{})
		if err != nil {
			return task.Task{}, fmt.Errorf("generator: resolving watcher %q invalidator files: %w", w.Label, err)
		}

		for _, c := range w.Commands {
			commands = append(commands, task.Task{
				Kind:                   task.KindCommand,
				Watcher:                w,
				Command:                c,
				Files:                  files,
				InvalidatorFiles:       invalidatorFiles,
				InvalidatorEnvironment: w.Invalidators.Environment,
			})
		}
	}

	tree := task.Parallel(commands...)

	chain, err := plugins.Build(g.PluginEntries)
	if err != nil {
		return task.Task{}, err
	}
	return plugins.Chain(tree, chain...)
}

// Generate walks tree, running each Command through a Task Runner
// built from the Generator's middleware stack and a Process Supervisor
// terminal, honoring opts.ContinueOnError (spec §4.9).
func (g *Generator) Generate(ctx context.Context, tree task.Task, opts Options) error {
	g.EventBus.Publish(eventbus.GenerateStarted, nil)
	err := g.walk(ctx, tree, opts)
	g.EventBus.Publish(eventbus.AllTasksComplete, nil)
	return err
}

func (g *Generator) walk(ctx context.Context, t task.Task, opts Options) error {
	switch t.Kind {
	case task.KindEmpty:
		return nil
	case task.KindCommand:
		return g.runCommand(ctx, t, opts)
	case task.KindSerial:
		var errs *multierror.Error
		for _, child := range t.Children {
			if err := g.walk(ctx, child, opts); err != nil {
				if !opts.ContinueOnError {
					return err
				}
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	case task.KindParallel:
		var mu sync.Mutex
		var errs *multierror.Error
		eg, gctx := errgroup.WithContext(ctx)
		for _, child := range t.Children {
			child := child
			eg.Go(func() error {
				err := g.walk(gctx, child, opts)
				if err != nil && opts.ContinueOnError {
					mu.Lock()
					errs = multierror.Append(errs, err)
					mu.Unlock()
					return nil
				}
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		return errs.ErrorOrNil()
	default:
		return nil
	}
}

func (g *Generator) runCommand(ctx context.Context, t task.Task, opts Options) error {
	outputs := artifactOutputs(t.Command.Artifacts)

	g.EventBus.Publish(eventbus.Begin, eventbus.BeginPayload{Artifacts: outputs})
	start := time.Now()

	envNames := make([]string, 0, len(t.InvalidatorEnvironment))
	envNames = append(envNames, t.InvalidatorEnvironment...)

	rc := &taskrunner.Context{
		GoContext:        ctx,
		Files:            t.Files,
		InvalidatorFiles: t.InvalidatorFiles,
		EnvironmentNames: envNames,
		CommandConfig:    t.Command,
		ChangedFilePath:  opts.ChangedFilePath,
		Options:          map[string]interface{}{},
	}
	if t.Watcher != nil {
		rc.WatcherLabel = t.Watcher.Label
	}

	runner := taskrunner.New(g.terminal(opts), g.Middlewares...)
	err := runner.Run(rc)
	if err != nil {
		g.EventBus.Publish(eventbus.Error, eventbus.ErrorPayload{Artifacts: outputs, Message: err.Error()})
		return err
	}

	if !rc.Aborted() {
		if err := waitForArtifacts(g.Root, t.Command.Command, outputs); err != nil {
			g.EventBus.Publish(eventbus.Error, eventbus.ErrorPayload{Artifacts: outputs, Message: err.Error()})
			return err
		}
	}

	g.EventBus.Publish(eventbus.End, eventbus.EndPayload{
		Artifacts: outputs,
		Duration:  time.Since(start).Milliseconds(),
	})
	return nil
}

func (g *Generator) terminal(opts Options) taskrunner.Terminal {
	return func(rc *taskrunner.Context) error {
		// Only a confirmed cache miss reaches the terminal (a hit calls
		// abort() from the middleware chain's read path), so it's safe
		// to delete whatever pre-existing artifact sits at the
		// destination right before the command that replaces it runs.
		for _, out := range artifactOutputs(rc.CommandConfig.Artifacts) {
			if err := os.RemoveAll(resolveOutputPath(g.Root, out)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}

		spec := supervisor.Spec{
			Command:          rc.CommandConfig.Command,
			WorkingDirectory: resolveWorkingDirectory(g.Root, rc.CommandConfig.WorkingDirectory),
			ChangedFilePath:  rc.ChangedFilePath,
		}
		var onSpawn func(*os.Process)
		var onExit func(error)
		if opts.ProcessTracker != nil {
			var exitCallback func(error)
			onSpawn = func(proc *os.Process) {
				exitCallback = opts.ProcessTracker(proc)
			}
			onExit = func(err error) {
				if exitCallback != nil {
					exitCallback(err)
				}
			}
		}
		return supervisor.Run(rc.GoContext, spec, onSpawn, onExit)
	}
}

func resolveWorkingDirectory(root, dir string) string {
	if dir == "" {
		return root
	}
	if dir[0] == '/' {
		return dir
	}
	return root + string(os.PathSeparator) + dir
}

// resolveOutputPath joins a Config-declared artifact output (relative to
// the project root) with root, leaving already-absolute paths untouched.
func resolveOutputPath(root, out string) string {
	if out == "" || filepath.IsAbs(out) {
		return out
	}
	return filepath.Join(root, out)
}

func artifactOutputs(artifacts []config.Artifact) []string {
	out := make([]string, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Output
	}
	return out
}

// artifactWaitMaxRetries resolves SHADOWDOG_ARTIFACT_WAIT_MAX_RETRIES,
// defaulting to 50 retries at 100ms (≈5s), per spec §4.9.
func artifactWaitMaxRetries() int {
	if v := os.Getenv("SHADOWDOG_ARTIFACT_WAIT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 50
}

const artifactWaitInterval = 100 * time.Millisecond

// waitForArtifacts polls until every declared artifact exists, is
// readable, and (if a regular file) non-empty, or the retry budget is
// exhausted.
func waitForArtifacts(root, command string, outputs []string) error {
	maxRetries := artifactWaitMaxRetries()
	var missing []string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		missing = missing[:0]
		for _, out := range outputs {
			if !artifactReady(resolveOutputPath(root, out)) {
				missing = append(missing, out)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		if attempt < maxRetries {
			time.Sleep(artifactWaitInterval)
		}
	}
	return &ArtifactsUnavailableError{Command: command, Missing: missing}
}

func artifactReady(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return true
	}
	return info.Size() > 0
}
