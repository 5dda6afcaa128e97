// Package daemon implements the long-running watch mode (spec §4.10):
// a single recursive filesystem watch over the project root and every
// enabled Watcher's pattern roots, with each event routed to the
// Watchers whose patterns match it and debounced per Watcher label,
// re-entering the Generator's Task Runner path on every
// settled burst, plus config hot-reload, pause/resume and a single-
// instance pidfile lock, grounded on the teacher's daemon.go
// (tryAcquirePidfileLock) and the pack's fsnotify-based watchers.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"github.com/karrick/godirwalk"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"

	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/debounce"
	"github.com/factorialco/shadowdog/internal/eventbus"
	"github.com/factorialco/shadowdog/internal/generator"
	"github.com/factorialco/shadowdog/internal/notify"
	"github.com/factorialco/shadowdog/internal/resolver"
	"github.com/factorialco/shadowdog/internal/supervisor"
	"github.com/factorialco/shadowdog/internal/task"
)

// ConfigLoader reparses the configuration file from disk.
type ConfigLoader func() (*config.Config, error)

// Daemon owns the active watchers and the pending-process list
// exclusively (spec §5 ownership summary).
type Daemon struct {
	root       string
	configPath string
	loadConfig ConfigLoader
	logger     hclog.Logger
	bus        *eventbus.Bus
	gen        *generator.Generator
	pidPath    string
	notifier   *notify.Notifier

	mu        sync.Mutex
	cfg       *config.Config
	watcher   *fsnotify.Watcher
	debouncer *debounce.Debouncer
	paused    bool
	pending   map[string]eventbus.Change
	procs     map[*os.Process]bool
	lastPath  map[string]string
}

// New builds a Daemon for the given repo root and config path.
// notifier may be nil, disabling the notification side channel.
func New(root, configPath string, loadConfig ConfigLoader, logger hclog.Logger, bus *eventbus.Bus, gen *generator.Generator, pidPath string, notifier *notify.Notifier) *Daemon {
	return &Daemon{
		root:       root,
		configPath: configPath,
		loadConfig: loadConfig,
		logger:     logger,
		bus:        bus,
		gen:        gen,
		pidPath:    pidPath,
		notifier:   notifier,
		pending:    map[string]eventbus.Change{},
		procs:      map[*os.Process]bool{},
		lastPath:   map[string]string{},
	}
}

// Run acquires the single-instance pidfile lock, starts the watchers
// and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.pidPath), 0o755); err != nil {
		return err
	}
	absPidPath, err := filepath.Abs(d.pidPath)
	if err != nil {
		return err
	}
	lock, err := lockfile.New(absPidPath)
	if err != nil {
		return errors.Wrap(err, "daemon: building pidfile lock")
	}
	if err := lock.TryLock(); err != nil {
		return errors.Wrap(err, "daemon: another instance is already watching this repo")
	}
	defer lock.Unlock()

	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.bus.Publish(eventbus.ConfigLoaded, eventbus.ConfigLoadedPayload{Config: cfg})

	if err := d.startWatchers(cfg); err != nil {
		return err
	}
	defer d.stopWatchers()

	configWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer configWatcher.Close()
	if err := configWatcher.Add(d.configPath); err != nil {
		d.logger.Warn("could not watch config file", "error", err)
	}

	d.bus.Publish(eventbus.Initialized, nil)
	if d.notifier != nil {
		d.notifier.Initialized()
	}

	for {
		select {
		case <-ctx.Done():
			d.bus.Publish(eventbus.Exit, nil)
			return nil
		case ev, ok := <-configWatcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.reload()
			}
		}
	}
}

func (d *Daemon) reload() {
	cfg, err := d.loadConfig()
	if err != nil {
		d.logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	d.stopWatchers()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	if err := d.startWatchers(cfg); err != nil {
		d.logger.Error("failed to restart watchers after config reload", "error", err)
		return
	}
	d.bus.Publish(eventbus.ConfigLoaded, eventbus.ConfigLoadedPayload{Config: cfg})
}

func (d *Daemon) startWatchers(cfg *config.Config) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	roots := map[string]bool{d.root: true}
	for _, watcher := range cfg.Watchers {
		if !watcher.IsEnabled() {
			continue
		}
		for _, pattern := range watcher.Files {
			roots[watchRootFor(d.root, pattern)] = true
		}
	}
	for dir := range roots {
		if err := addRecursive(w, dir); err != nil {
			d.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	debounceTime := time.Duration(cfg.DebounceTime) * time.Millisecond
	deb := debounce.New(debounceTime, d.onSettled)

	d.mu.Lock()
	d.watcher = w
	d.debouncer = deb
	d.mu.Unlock()

	go d.dispatch(w)
	return nil
}

func (d *Daemon) stopWatchers() {
	d.mu.Lock()
	w := d.watcher
	deb := d.debouncer
	d.watcher = nil
	d.debouncer = nil
	d.mu.Unlock()

	if deb != nil {
		deb.StopAll()
	}
	if w != nil {
		w.Close()
	}
}

func (d *Daemon) dispatch(w *fsnotify.Watcher) {
	for ev := range w.Events {
		rel, err := filepath.Rel(d.root, ev.Name)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)

		kind := eventbus.ChangeModify
		switch {
		case ev.Op&fsnotify.Create != 0:
			kind = eventbus.ChangeAdd
		case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
			kind = eventbus.ChangeRemove
		}

		for _, watcher := range d.watchersFor(rel) {
			d.bus.Publish(eventbus.Changed, eventbus.ChangedPayload{Path: rel, Kind: kind})
			if d.notifier != nil {
				d.notifier.ChangedFileNotification(rel, false)
			}
			d.notifyScope(watcher.Label, rel, kind)
		}
	}
}

func (d *Daemon) watchersFor(rel string) []config.Watcher {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return nil
	}
	var out []config.Watcher
	for _, watcher := range cfg.Watchers {
		if !watcher.IsEnabled() {
			continue
		}
		ignore := append(append([]string{}, cfg.DefaultIgnoredFiles...), watcher.Ignored...)
		if resolver.Matches(rel, watcher.Files, ignore) {
			out = append(out, watcher)
		}
	}
	return out
}

// notifyScope records the event (if paused) or feeds the debouncer for
// this Watcher's scope.
func (d *Daemon) notifyScope(scope, path string, kind eventbus.Change) {
	d.mu.Lock()
	paused := d.paused
	if paused {
		d.pending[path] = kind
	}
	d.lastPath[scope] = path
	deb := d.debouncer
	d.mu.Unlock()

	if paused || deb == nil {
		return
	}
	deb.Notify(scope)
}

// onSettled fires once a Watcher's scope has been quiet for the
// debounce interval: kill pending supervised processes, then run every
// Command in that Watcher (spec §4.10 steps 2-3).
func (d *Daemon) onSettled(scope string) {
	d.killPending()

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return
	}

	var w *config.Watcher
	for i := range cfg.Watchers {
		if cfg.Watchers[i].Label == scope {
			w = &cfg.Watchers[i]
			break
		}
	}
	if w == nil {
		return
	}

	d.mu.Lock()
	changedPath := d.lastPath[scope]
	d.mu.Unlock()

	tree, err := d.gen.Build(cfg)
	if err != nil {
		d.logger.Error("failed to build task tree", "error", err)
		if d.notifier != nil {
			d.notifier.ErrorNotification(changedPath, err.Error())
		}
		return
	}
	scoped := filterToWatcher(tree, scope)

	ctx := context.Background()
	genErr := d.gen.Generate(ctx, scoped, generator.Options{
		Root:            d.root,
		ContinueOnError: true,
		ProcessTracker:  d.trackProcess,
	})
	if d.notifier == nil {
		return
	}
	if genErr != nil {
		d.notifier.ErrorNotification(changedPath, genErr.Error())
		return
	}
	d.notifier.ChangedFileNotification(changedPath, true)
}

func filterToWatcher(t task.Task, label string) task.Task {
	switch t.Kind {
	case task.KindCommand:
		if t.Watcher != nil && t.Watcher.Label == label {
			return t
		}
		return task.Empty()
	case task.KindParallel:
		children := make([]task.Task, len(t.Children))
		for i, c := range t.Children {
			children[i] = filterToWatcher(c, label)
		}
		return task.Parallel(children...)
	case task.KindSerial:
		children := make([]task.Task, len(t.Children))
		for i, c := range t.Children {
			children[i] = filterToWatcher(c, label)
		}
		return task.Serial(children...)
	default:
		return t
	}
}

func (d *Daemon) trackProcess(proc *os.Process) func(error) {
	d.mu.Lock()
	d.procs[proc] = true
	d.mu.Unlock()
	return func(error) {
		d.mu.Lock()
		delete(d.procs, proc)
		d.mu.Unlock()
	}
}

// killPending kills every tracked process group (spec §5 cancellation:
// "happens by killing the process group of every pending child").
func (d *Daemon) killPending() {
	d.mu.Lock()
	procs := make([]*os.Process, 0, len(d.procs))
	for p := range d.procs {
		procs = append(procs, p)
	}
	d.mu.Unlock()

	for _, p := range procs {
		if err := supervisor.Kill(p); err != nil {
			d.logger.Warn("failed to kill pending process group", "error", err)
		}
	}
}

// Pause sets the paused flag; further events accumulate in the pending
// set instead of driving the pipeline.
func (d *Daemon) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.bus.Publish(eventbus.Pause, nil)
}

// Resume replays pending-change paths by touching their modification
// times so they re-enter the watch pipeline, then clears the set (spec
// §4.10 "Resume").
func (d *Daemon) Resume() {
	d.mu.Lock()
	d.paused = false
	pending := d.pending
	d.pending = map[string]eventbus.Change{}
	d.mu.Unlock()

	now := time.Now()
	for rel := range pending {
		abs := filepath.Join(d.root, filepath.FromSlash(rel))
		os.Chtimes(abs, now, now)
	}
	d.bus.Publish(eventbus.Resume, nil)
}

// ComputeArtifact triggers an out-of-band build of a single Command
// identified by one of its declared artifact outputs, killing any
// in-flight Command first (spec §9 decision (a)).
func (d *Daemon) ComputeArtifact(output string) {
	d.killPending()
	d.bus.Publish(eventbus.ComputeArtifact, eventbus.ComputeArtifactPayload{Output: output})

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return
	}
	tree, err := d.gen.Build(cfg)
	if err != nil {
		d.logger.Error("failed to build task tree", "error", err)
		if d.notifier != nil {
			d.notifier.ErrorNotification(output, err.Error())
		}
		return
	}
	scoped := filterToArtifact(tree, output)
	genErr := d.gen.Generate(context.Background(), scoped, generator.Options{
		Root:            d.root,
		ContinueOnError: true,
		ProcessTracker:  d.trackProcess,
	})
	if d.notifier == nil {
		return
	}
	if genErr != nil {
		d.notifier.ErrorNotification(output, genErr.Error())
		return
	}
	d.notifier.ChangedFileNotification(output, true)
}

// ComputeAllArtifacts triggers a full rebuild of every Command.
func (d *Daemon) ComputeAllArtifacts() {
	d.killPending()

	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return
	}
	var all []string
	for _, w := range cfg.Watchers {
		for _, c := range w.Commands {
			for _, a := range c.Artifacts {
				all = append(all, a.Output)
			}
		}
	}
	d.bus.Publish(eventbus.ComputeAllArtifacts, eventbus.ComputeAllArtifactsPayload{Artifacts: all})

	tree, err := d.gen.Build(cfg)
	if err != nil {
		d.logger.Error("failed to build task tree", "error", err)
		if d.notifier != nil {
			d.notifier.ErrorNotification("", err.Error())
		}
		return
	}
	genErr := d.gen.Generate(context.Background(), tree, generator.Options{
		Root:            d.root,
		ContinueOnError: true,
		ProcessTracker:  d.trackProcess,
	})
	if d.notifier == nil {
		return
	}
	if genErr != nil {
		d.notifier.ErrorNotification("", genErr.Error())
		return
	}
	d.notifier.ChangedFileNotification("", true)
}

func filterToArtifact(t task.Task, output string) task.Task {
	switch t.Kind {
	case task.KindCommand:
		for _, a := range t.Command.Artifacts {
			if a.Output == output {
				return t
			}
		}
		return task.Empty()
	case task.KindParallel:
		children := make([]task.Task, len(t.Children))
		for i, c := range t.Children {
			children[i] = filterToArtifact(c, output)
		}
		return task.Parallel(children...)
	case task.KindSerial:
		children := make([]task.Task, len(t.Children))
		for i, c := range t.Children {
			children[i] = filterToArtifact(c, output)
		}
		return task.Serial(children...)
	default:
		return t
	}
}

// watchRootFor returns the directory under root to start an fsnotify
// watch at for a given glob pattern: the directories before the first
// glob meta-character (the parent directory for a literal path), or root
// itself if the pattern is global.
func watchRootFor(root, pattern string) string {
	pattern = filepath.ToSlash(pattern)
	idx := len(pattern)
	for i, r := range pattern {
		if r == '*' || r == '?' || r == '[' || r == '{' {
			idx = i
			break
		}
	}
	var dir string
	if idx == len(pattern) {
		dir = filepath.Dir(filepath.Join(root, filepath.FromSlash(pattern)))
	} else {
		prefix := pattern[:idx]
		if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
			prefix = prefix[:slash]
		} else {
			prefix = ""
		}
		dir = filepath.Join(root, filepath.FromSlash(prefix))
	}
	if dir == "." {
		return root
	}
	return dir
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	if err := w.Add(root); err != nil {
		return err
	}
	return godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == root || !de.IsDir() {
				return nil
			}
			return w.Add(path)
		},
	})
}
