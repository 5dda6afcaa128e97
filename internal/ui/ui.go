// Package ui implements the terminal output conventions the rest of
// the codebase uses (spec §7's "lines are prefixed with a short
// semantic marker"), grounded on the teacher's own call sites
// (run.go's `ui.ERROR_PREFIX`/`ui.WARNING_PREFIX` plus fatih/color)
// even though its defining file wasn't present in the retrieval.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mitchellh/cli"
)

// Semantic line prefixes, as referenced by the teacher's run.go.
const (
	ERROR_PREFIX   = "× "
	WARNING_PREFIX = "! "
	DIM_PREFIX     = "  "
)

// Default builds the mitchellh/cli.Ui shadowdog uses for all
// user-facing output.
func Default() cli.Ui {
	return &cli.ColoredUi{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
		OutputColor: cli.UiColorNone,
		InfoColor:   cli.UiColorNone,
		ErrorColor:  cli.UiColorRed,
		WarnColor:   cli.UiColorYellow,
	}
}

// Dim renders a string in the teacher's low-emphasis style, used for
// secondary detail lines (file manifests, durations).
func Dim(format string, args ...interface{}) string {
	return color.New(color.Faint).Sprintf(format, args...)
}

// Error formats a Task-level failure the way spec §7 requires: the
// command string, the affected artifacts, and — if DEBUG is set — a
// stack trace for err (via pkg/errors' %+v, when err carries one).
func Error(command string, artifacts []string, err error) string {
	verb := "%v"
	if DebugEnabled() {
		verb = "%+v"
	}
	return fmt.Sprintf("%s%s: %s", ERROR_PREFIX, command, color.RedString(verb, err)) + artifactSuffix(artifacts)
}

// Warning formats a recovered, non-fatal condition (a cache miss
// treated as a fallback, a socket-notification failure, etc).
func Warning(message string) string {
	return WARNING_PREFIX + color.YellowString(message)
}

func artifactSuffix(artifacts []string) string {
	if len(artifacts) == 0 {
		return ""
	}
	out := " ("
	for i, a := range artifacts {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out + ")"
}

// DebugEnabled reports whether stack traces should be printed with
// errors (spec §6 env var table: DEBUG).
func DebugEnabled() bool {
	return os.Getenv("DEBUG") != ""
}
