// Package lockfile maintains the durable, deterministic artifact
// manifest the RPC surface and humans introspect (spec §4.11). It
// subscribes to the event bus and rebuilds the manifest on
// allTasksComplete and after every end event, in one-shot and daemon
// mode alike.
package lockfile

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/factorialco/shadowdog/internal/cachekey"
	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/env"
	"github.com/factorialco/shadowdog/internal/eventbus"
	"github.com/factorialco/shadowdog/internal/resolver"
)

// ArtifactRecord is one artifact's entry in the manifest.
type ArtifactRecord struct {
	Output         string   `json:"output"`
	ContentDigest  string   `json:"contentDigest"`
	CacheKey       string   `json:"cacheKey"`
	ExecutionTime  int64    `json:"executionTimeMs"`
	FileManifest   []string `json:"fileManifest"`
	EnvManifest    []string `json:"environmentManifest,omitempty"`
}

// Manifest is the root document written to disk.
type Manifest struct {
	Artifacts []ArtifactRecord `json:"artifacts"`
}

// Writer owns the lock file handle exclusively (spec §5 ownership
// summary) and serializes regenerations behind a single in-flight
// write, exactly as the name implies.
type Writer struct {
	path        string
	root        string
	toolVersion string
	logger      hclog.Logger

	mu      sync.Mutex
	writing bool
	pending bool

	cfg *config.Config

	timesMu sync.Mutex
	times   map[string]time.Duration
	begins  map[string]time.Time
}

// New builds a Writer targeting path, mounted on bus. toolVersion must
// match the one the Cache Middlewares use so manifest cache keys agree
// with the ones actually looked up during a build.
func New(path, root, toolVersion string, logger hclog.Logger, bus *eventbus.Bus) *Writer {
	w := &Writer{
		path:        path,
		root:        root,
		toolVersion: toolVersion,
		logger:      logger,
		times:       map[string]time.Duration{},
		begins:      map[string]time.Time{},
	}
	bus.Subscribe(eventbus.ConfigLoaded, func(p interface{}) {
		if payload, ok := p.(eventbus.ConfigLoadedPayload); ok {
			if cfg, ok := payload.Config.(*config.Config); ok {
				w.mu.Lock()
				w.cfg = cfg
				w.mu.Unlock()
			}
		}
	})
	bus.Subscribe(eventbus.Begin, func(p interface{}) {
		payload, ok := p.(eventbus.BeginPayload)
		if !ok {
			return
		}
		w.timesMu.Lock()
		now := time.Now()
		for _, out := range payload.Artifacts {
			w.begins[out] = now
		}
		w.timesMu.Unlock()
	})
	bus.Subscribe(eventbus.End, func(p interface{}) {
		payload, ok := p.(eventbus.EndPayload)
		if !ok {
			return
		}
		w.timesMu.Lock()
		for _, out := range payload.Artifacts {
			if start, ok := w.begins[out]; ok {
				w.times[out] = time.Since(start)
				delete(w.begins, out)
			}
		}
		w.timesMu.Unlock()
		w.Regenerate()
	})
	bus.Subscribe(eventbus.AllTasksComplete, func(interface{}) {
		w.Regenerate()
	})
	return w
}

// Regenerate rebuilds and writes the manifest. A regeneration request
// that arrives while a write is already in flight is coalesced into a
// single follow-up write rather than lost (spec §4.11's single
// in-flight write promise).
func (w *Writer) Regenerate() {
	w.mu.Lock()
	if w.writing {
		w.pending = true
		w.mu.Unlock()
		return
	}
	w.writing = true
	cfg := w.cfg
	w.mu.Unlock()

	for {
		if cfg != nil {
			if err := w.write(cfg); err != nil {
				w.logger.Error("failed to write lock file", "error", err)
			}
		}

		w.mu.Lock()
		if !w.pending {
			w.writing = false
			w.mu.Unlock()
			return
		}
		w.pending = false
		cfg = w.cfg
		w.mu.Unlock()
	}
}

func (w *Writer) write(cfg *config.Config) error {
	manifest := w.build(cfg)

	buf, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	if needsRegeneration(w.path) {
		w.logger.Warn("lock file was corrupt or conflicted, regenerating from scratch")
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.path)
}

func (w *Writer) build(cfg *config.Config) Manifest {
	var records []ArtifactRecord
	for wi := range cfg.Watchers {
		watcher := &cfg.Watchers[wi]
		ignore := append(append([]string{}, cfg.DefaultIgnoredFiles...), watcher.Ignored...)
		files, _ := resolver.Resolve(w.root, watcher.Files, ignore, resolver.Options{})
		invalidatorFiles, _ := resolver.Resolve(w.root, watcher.Invalidators.Files, ignore, resolver.Options{})

		for _, cmd := range watcher.Commands {
			key, err := cachekey.Compute(cachekey.Inputs{
				Root:                   w.root,
				Files:                  files,
				InvalidatorFiles:       invalidatorFiles,
				InvalidatorEnvironment: watcher.Invalidators.Environment,
				Command:                cmd.Command,
				ToolVersion:            w.toolVersion,
			})
			if err != nil {
				w.logger.Warn("failed to compute cache key for lock file", "command", cmd.Command, "error", err)
			}
			for _, artifact := range cmd.Artifacts {
				records = append(records, w.buildRecord(artifact.Output, key, files, invalidatorFiles, watcher.Invalidators.Environment))
			}
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Output < records[j].Output })
	return Manifest{Artifacts: records}
}

func (w *Writer) buildRecord(output, cacheKey string, files, invalidatorFiles, envNames []string) ArtifactRecord {
	digest := cachekey.NotFoundSentinel
	if d, err := cachekey.ContentDigestPath(fullPath(w.root, output)); err == nil {
		digest = d
	}

	w.timesMu.Lock()
	duration := w.times[output]
	w.timesMu.Unlock()

	manifest := make([]string, 0, len(files)+len(invalidatorFiles))
	manifest = append(manifest, files...)
	manifest = append(manifest, invalidatorFiles...)

	return ArtifactRecord{
		Output:        output,
		ContentDigest: digest,
		CacheKey:      cacheKey,
		ExecutionTime: duration.Milliseconds(),
		FileManifest:  manifest,
		EnvManifest:   obfuscateEnv(envNames),
	}
}

func fullPath(root, rel string) string {
	if root == "" {
		return rel
	}
	return root + string(os.PathSeparator) + rel
}

// needsRegeneration reports whether the existing lock file at path is
// invalid JSON or contains merge-conflict markers (spec §4.11). The
// result is only logged: every write rebuilds the manifest from the
// configuration and replaces the file whole, whatever it held before.
func needsRegeneration(path string) bool {
	existing, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if bytes.Contains(existing, []byte("<<<<<<<")) || bytes.Contains(existing, []byte("=======")) || bytes.Contains(existing, []byte(">>>>>>>")) {
		return true
	}
	var v interface{}
	return json.Unmarshal(existing, &v) != nil
}

// obfuscateEnv formats an invalidator environment manifest the way
// spec §4.11 requires: values obfuscated to first 2 chars + stars +
// last 2 chars.
func obfuscateEnv(names []string) []string {
	values := env.Lookup(names)
	pairs := make([]string, 0, len(names))
	for _, name := range values.SortedNames() {
		pairs = append(pairs, name+"="+env.Obfuscate(values[name]))
	}
	sort.Strings(pairs)
	return pairs
}
