// Package cachekey implements the pure, total hash at the center of the
// cache protocol (spec §4.1): a keyed digest over resolved input files,
// invalidator environment values, the command string, the tool version
// and the host runtime version.
package cachekey

import (
	"crypto/hmac"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/karrick/godirwalk"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/factorialco/shadowdog/internal/env"
)

// Length is the number of hex characters a cache key is truncated to.
const Length = 10

// hmacKey is the keyed-digest key. It is not a secret: it exists so the
// digest changes between major tool revisions without requiring a
// version bump of every cached artifact's contents, and is fixed so the
// same shadowdog build always produces the same keys for the same
// inputs (spec invariant 2).
var hmacKey = []byte("shadowdog-cache-key-v1")

// Inputs is everything the cache key is computed from, already resolved
// by the File Resolver — a missing input file here is a fatal error, per
// spec §4.1 ("a missing input file is a fatal error during lookup").
type Inputs struct {
	Root                   string
	Files                  []string // resolved, sorted, relative to Root
	InvalidatorFiles       []string // resolved, sorted, relative to Root
	InvalidatorEnvironment []string // names only; values are read here
	Command                string
	ToolVersion            string
}

// Compute returns the 10-hex-character cache key for the given inputs.
func Compute(in Inputs) (string, error) {
	mac := hmac.New(sha256.New, hmacKey)

	for _, rel := range append(append([]string{}, in.Files...), in.InvalidatorFiles...) {
		if _, err := io.WriteString(mac, rel); err != nil {
			return "", err
		}
		if err := hashFileContents(mac, in.Root, rel); err != nil {
			return "", err
		}
	}

	envValues := env.Lookup(in.InvalidatorEnvironment)
	for _, name := range envValues.SortedNames() {
		if _, err := io.WriteString(mac, name+"="+envValues[name]); err != nil {
			return "", err
		}
	}

	if _, err := io.WriteString(mac, in.Command); err != nil {
		return "", err
	}
	if _, err := io.WriteString(mac, in.ToolVersion); err != nil {
		return "", err
	}
	if _, err := io.WriteString(mac, runtime.Version()); err != nil {
		return "", err
	}

	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:Length], nil
}

func hashFileContents(w io.Writer, root, rel string) error {
	f, err := os.Open(joinRoot(root, rel))
	if err != nil {
		return errors.Wrapf(err, "cache key: missing input file %q", rel)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return errors.Wrapf(err, "cache key: reading input file %q", rel)
	}
	return nil
}

func joinRoot(root, rel string) string {
	if root == "" {
		return rel
	}
	return root + string(os.PathSeparator) + rel
}

// ObjectName returns the per-artifact object name: a second digest over
// (cache key, artifact output path), also truncated to Length.
func ObjectName(cacheKey, artifactOutput string) (string, error) {
	mac := hmac.New(sha256.New, hmacKey)
	if _, err := io.WriteString(mac, cacheKey); err != nil {
		return "", err
	}
	if _, err := io.WriteString(mac, artifactOutput); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil))[:Length], nil
}

// ContentDigest returns a short hex content digest of a single data
// stream, used both for the lock file's per-artifact record and for SHA
// verification on the cache read path (spec §4.6 step 2-3).
func ContentDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:Length], nil
}

// NotFoundSentinel is the content-digest sentinel for a missing artifact
// in the lock file (spec §4.11).
const NotFoundSentinel = "not-found"

// ContentDigestPath returns the content digest of a file or directory
// subtree on disk, used to compare a just-extracted cache entry against
// whatever already sits at the destination (spec §4.6 SHA verification).
// Directory entries are walked in lexicographic order so the digest is
// deterministic regardless of directory iteration order.
func ContentDigestPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return NotFoundSentinel, nil
	}
	if !info.IsDir() {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return ContentDigest(f)
	}

	h := sha256.New()
	err = walkSorted(path, func(rel string, isDir bool) error {
		if _, err := io.WriteString(h, rel); err != nil {
			return err
		}
		if isDir {
			return nil
		}
		f, err := os.Open(joinRoot(path, rel))
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:Length], nil
}

// walkSorted visits every entry under root in lexicographic relative-path
// order, calling fn(relativePath, isDir) for each.
func walkSorted(root string, fn func(rel string, isDir bool) error) error {
	type entry struct {
		rel   string
		isDir bool
	}
	var entries []entry
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{rel: filepath.ToSlash(rel), isDir: de.IsDir()})
			return nil
		},
	})
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	for _, e := range entries {
		if err := fn(e.rel, e.isDir); err != nil {
			return err
		}
	}
	return nil
}
