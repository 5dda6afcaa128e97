package cachekey

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, contents string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
}

func TestComputeIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	in := Inputs{Root: dir, Files: []string{"a.txt"}, Command: "echo hi", ToolVersion: "dev"}
	k1, err := Compute(in)
	require.NoError(t, err)
	k2, err := Compute(in)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, Length)
}

func TestComputeChangesWithFileContents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	in := Inputs{Root: dir, Files: []string{"a.txt"}, Command: "echo hi", ToolVersion: "dev"}
	before, err := Compute(in)
	require.NoError(t, err)

	writeFile(t, dir, "a.txt", "goodbye")
	after, err := Compute(in)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestComputeChangesWithInvalidatorEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	base := Inputs{Root: dir, Files: []string{"a.txt"}, Command: "echo hi", ToolVersion: "dev", InvalidatorEnvironment: []string{"SHADOWDOG_TEST_ENV"}}

	t.Setenv("SHADOWDOG_TEST_ENV", "one")
	k1, err := Compute(base)
	require.NoError(t, err)

	t.Setenv("SHADOWDOG_TEST_ENV", "two")
	k2, err := Compute(base)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestComputeChangesWithInvalidatorFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "invalidator.txt", "v1")
	base := Inputs{Root: dir, Files: []string{"a.txt"}, InvalidatorFiles: []string{"invalidator.txt"}, Command: "echo hi", ToolVersion: "dev"}

	before, err := Compute(base)
	require.NoError(t, err)

	writeFile(t, dir, "invalidator.txt", "v2")
	after, err := Compute(base)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestComputeFailsOnMissingInputFile(t *testing.T) {
	dir := t.TempDir()
	in := Inputs{Root: dir, Files: []string{"missing.txt"}, Command: "echo hi", ToolVersion: "dev"}
	_, err := Compute(in)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing.txt"))
}

func TestObjectNameIsStableAndScopedToArtifact(t *testing.T) {
	n1, err := ObjectName("abc123", "dist/out.js")
	require.NoError(t, err)
	n2, err := ObjectName("abc123", "dist/out.js")
	require.NoError(t, err)
	assert.Equal(t, n1, n2)

	n3, err := ObjectName("abc123", "dist/other.js")
	require.NoError(t, err)
	assert.NotEqual(t, n1, n3)
}

func TestContentDigestPathMissingReturnsSentinel(t *testing.T) {
	digest, err := ContentDigestPath(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Equal(t, NotFoundSentinel, digest)
}

func TestContentDigestPathDirectoryIsOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", "b")
	writeFile(t, dir, "a.txt", "a")
	digest, err := ContentDigestPath(dir)
	require.NoError(t, err)
	assert.Len(t, digest, Length)

	other := t.TempDir()
	writeFile(t, other, "a.txt", "a")
	writeFile(t, other, "b.txt", "b")
	digest2, err := ContentDigestPath(other)
	require.NoError(t, err)
	assert.Equal(t, digest, digest2)
}
