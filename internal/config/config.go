// Package config decodes and validates the shadowdog JSON configuration
// file described in spec §6: watchers, their commands and artifacts, and
// the ordered list of command plugins to apply to the generated task
// tree.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// DefaultDebounceTime is applied when debounceTime is absent from config.
const DefaultDebounceTime = 2000

// DefaultIgnoredFiles is applied when defaultIgnoredFiles is absent.
var DefaultIgnoredFiles = []string{".git", "**/node_modules"}

// Artifact is an output path (file or directory subtree) a Command is
// expected to produce, relative to the project root.
type Artifact struct {
	Output      string   `json:"output"`
	Description string   `json:"description,omitempty"`
	Ignore      []string `json:"ignore,omitempty"`
}

// Command is an opaque shell invocation plus the Artifacts it produces.
type Command struct {
	Command          string     `json:"command"`
	WorkingDirectory string     `json:"workingDirectory,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Artifacts        []Artifact `json:"artifacts,omitempty"`
}

// Watcher is a unit of cache-key scope: a file set paired with the
// Commands that share it.
type Watcher struct {
	Label       string  `json:"label,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
	Files       []string `json:"files"`
	Invalidators struct {
		Files       []string `json:"files,omitempty"`
		Environment []string `json:"environment,omitempty"`
	} `json:"invalidators,omitempty"`
	Ignored  []string  `json:"ignored,omitempty"`
	Commands []Command `json:"commands"`
}

// IsEnabled reports whether the watcher should be active, defaulting to
// true when Enabled is unset.
func (w Watcher) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Plugin is a single tagged entry in the plugins list: a name plus a
// plugin-specific options bag, decoded loosely here and re-decoded with
// mapstructure by the owning plugin.
type Plugin struct {
	Name    string      `json:"name"`
	Options interface{} `json:"options,omitempty"`
}

// Config is the root of the shadowdog.json document.
type Config struct {
	Schema              string   `json:"$schema,omitempty"`
	DebounceTime        int      `json:"debounceTime,omitempty"`
	DefaultIgnoredFiles []string `json:"defaultIgnoredFiles,omitempty"`
	Plugins             []Plugin `json:"plugins,omitempty"`
	Watchers            []Watcher `json:"watchers"`
}

// Parse decodes and validates a shadowdog.json document from raw bytes.
// Additional properties at every level are rejected, matching spec §6.
func Parse(raw []byte) (*Config, error) {
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	// The shape was already validated above; this second decode only
	// tells an absent key apart from an explicit 0 or [].
	var present struct {
		DebounceTime        *int      `json:"debounceTime"`
		DefaultIgnoredFiles *[]string `json:"defaultIgnoredFiles"`
	}
	_ = json.Unmarshal(raw, &present)
	if present.DebounceTime == nil {
		cfg.DebounceTime = DefaultDebounceTime
	}
	if cfg.DebounceTime < 0 {
		return nil, errors.Errorf("config invalid: debounceTime must be >= 0, got %d", cfg.DebounceTime)
	}
	if present.DefaultIgnoredFiles == nil {
		cfg.DefaultIgnoredFiles = DefaultIgnoredFiles
	}
	if len(cfg.Watchers) == 0 {
		return nil, errors.New("config invalid: watchers is required and must be non-empty")
	}
	for wi, w := range cfg.Watchers {
		if len(w.Commands) == 0 {
			return nil, errors.Errorf("config invalid: watcher %d (%q) must declare at least one command", wi, w.Label)
		}
		for ci, c := range w.Commands {
			if c.Command == "" {
				return nil, errors.Errorf("config invalid: watcher %d command %d missing required field \"command\"", wi, ci)
			}
			for ai, a := range c.Artifacts {
				if a.Output == "" {
					return nil, errors.Errorf("config invalid: watcher %d command %d artifact %d missing required field \"output\"", wi, ci, ai)
				}
			}
		}
	}
	return cfg, nil
}

// decodeStrict type-checks the document shape with a single
// DisallowUnknownFields decode; because watchers, commands and artifacts
// are concrete structs, unknown keys are rejected at every nesting
// level, not just the root.
func decodeStrict(raw []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("schema rejection: %w", err)
	}

	// Re-validate nested objects strictly: encoding/json's
	// DisallowUnknownFields only rejects unknown fields it can reach
	// through the declared struct tree, which already covers artifacts,
	// commands and watchers above since they're concrete structs, not
	// interface{}. The one loose spot is Plugin.Options, which is
	// intentionally polymorphic per plugin and is validated by the
	// plugin itself when it mapstructure-decodes its own shape.
	return &cfg, nil
}

// RawOptions returns the plugin's options bag as the generic
// map[string]interface{} encoding/json decoded it into (nil when unset),
// so a plugin can decode its own options with mapstructure. Options that
// are not a JSON object are rejected.
func (p Plugin) RawOptions() (map[string]interface{}, error) {
	if p.Options == nil {
		return nil, nil
	}
	m, ok := p.Options.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("plugin %q: options must be an object", p.Name)
	}
	return m, nil
}
