package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"watchers": [{"files": ["**/*.go"], "commands": [{"command": "go build"}]}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultDebounceTime, cfg.DebounceTime)
	assert.Equal(t, DefaultIgnoredFiles, cfg.DefaultIgnoredFiles)
}

func TestParseRejectsUnknownTopLevelField(t *testing.T) {
	_, err := Parse([]byte(`{
		"watchers": [{"files": ["**/*.go"], "commands": [{"command": "go build"}]}],
		"bogus": true
	}`))
	require.Error(t, err)
}

func TestParseRejectsUnknownWatcherField(t *testing.T) {
	_, err := Parse([]byte(`{
		"watchers": [{"files": ["**/*.go"], "commands": [{"command": "go build"}], "bogus": 1}]
	}`))
	require.Error(t, err)
}

func TestParseRejectsEmptyWatchers(t *testing.T) {
	_, err := Parse([]byte(`{"watchers": []}`))
	require.Error(t, err)
}

func TestParseRejectsWatcherWithNoCommands(t *testing.T) {
	_, err := Parse([]byte(`{"watchers": [{"files": ["a"], "commands": []}]}`))
	require.Error(t, err)
}

func TestParseRejectsCommandWithoutCommandString(t *testing.T) {
	_, err := Parse([]byte(`{"watchers": [{"files": ["a"], "commands": [{"command": ""}]}]}`))
	require.Error(t, err)
}

func TestParseRejectsArtifactWithoutOutput(t *testing.T) {
	_, err := Parse([]byte(`{
		"watchers": [{"files": ["a"], "commands": [{"command": "x", "artifacts": [{"output": ""}]}]}]
	}`))
	require.Error(t, err)
}

func TestParseRejectsNegativeDebounceTime(t *testing.T) {
	_, err := Parse([]byte(`{
		"debounceTime": -1,
		"watchers": [{"files": ["a"], "commands": [{"command": "x"}]}]
	}`))
	require.Error(t, err)
}

func TestWatcherIsEnabledDefaultsToTrue(t *testing.T) {
	w := Watcher{}
	assert.True(t, w.IsEnabled())

	disabled := false
	w.Enabled = &disabled
	assert.False(t, w.IsEnabled())
}

func TestPluginRawOptionsRejectsNonObject(t *testing.T) {
	p := Plugin{Name: "tagFilter", Options: "not-an-object"}
	_, err := p.RawOptions()
	require.Error(t, err)
}

func TestPluginRawOptionsNilWhenUnset(t *testing.T) {
	p := Plugin{Name: "tagFilter"}
	out, err := p.RawOptions()
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestParsePreservesExplicitDebounceTimeAndIgnores(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"debounceTime": 500,
		"defaultIgnoredFiles": [".hg"],
		"watchers": [{"files": ["a"], "commands": [{"command": "x"}]}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.DebounceTime)
	assert.Equal(t, []string{".hg"}, cfg.DefaultIgnoredFiles)
}
