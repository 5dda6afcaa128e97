// Package resolver expands glob patterns and applies ignore patterns to
// produce the deterministic, project-root-relative file lists that feed
// the cache key and the lock file manifest (spec §4.2).
package resolver

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"
)

// Options controls how Resolve treats non-glob literal paths and
// directory artifacts.
type Options struct {
	// PreserveNonexistent keeps literal (non-glob) paths in the result
	// even when they don't yet exist on disk, so the dependency-layering
	// plugin can still see edges to artifacts that haven't been built.
	PreserveNonexistent bool
	// IncludeDirectories allows directory entries into the result
	// (used when resolving directory-shaped artifacts).
	IncludeDirectories bool
}

// ignoreMatcher decides whether a project-root-relative path should be
// excluded, implementing the four ignore semantics from spec §4.2.
type ignoreMatcher struct {
	exact   map[string]bool
	prefix  []string
	suffix  []string
	general []glob.Glob
}

func newIgnoreMatcher(patterns []string) ignoreMatcher {
	m := ignoreMatcher{exact: map[string]bool{}}
	for _, p := range patterns {
		p = filepath.ToSlash(p)
		switch {
		case strings.HasPrefix(p, "**/"):
			m.suffix = append(m.suffix, strings.TrimPrefix(p, "**/"))
		case isLiteralDirPattern(p):
			m.exact[strings.TrimSuffix(p, "/")] = true
			m.prefix = append(m.prefix, strings.TrimSuffix(p, "/")+"/")
		case containsGlobMeta(p):
			if g, err := glob.Compile(p, '/'); err == nil {
				m.general = append(m.general, g)
			}
		default:
			m.exact[p] = true
			m.prefix = append(m.prefix, p+"/")
		}
	}
	return m
}

func isLiteralDirPattern(p string) bool {
	return strings.HasSuffix(p, "/") && !containsGlobMeta(strings.TrimSuffix(p, "/"))
}

func containsGlobMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func (m ignoreMatcher) Match(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if m.exact[relPath] {
		return true
	}
	for _, pre := range m.prefix {
		if strings.HasPrefix(relPath, pre) {
			return true
		}
	}
	for _, suf := range m.suffix {
		if relPath == suf || strings.HasSuffix(relPath, "/"+suf) ||
			strings.HasPrefix(relPath, suf+"/") || strings.Contains(relPath, "/"+suf+"/") {
			return true
		}
	}
	for _, g := range m.general {
		if g.Match(relPath) {
			return true
		}
	}
	return false
}

// Resolve expands globs relative to root, filters to regular files (and
// directories when opts.IncludeDirectories is set), applies ignore
// patterns and returns paths relative to root in lexicographic order.
func Resolve(root string, globs, ignores []string, opts Options) ([]string, error) {
	ignore := newIgnoreMatcher(ignores)
	seen := map[string]bool{}
	var out []string

	for _, pattern := range globs {
		matches, err := expand(root, pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 && !containsGlobMeta(pattern) && opts.PreserveNonexistent {
			rel := filepath.ToSlash(pattern)
			if !ignore.Match(rel) && !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
			continue
		}
		for _, abs := range matches {
			rel, err := filepath.Rel(root, abs)
			if err != nil {
				return nil, err
			}
			rel = filepath.ToSlash(rel)
			if ignore.Match(rel) || seen[rel] {
				continue
			}
			info, err := os.Lstat(abs)
			if err != nil {
				continue
			}
			if info.IsDir() && !opts.IncludeDirectories {
				continue
			}
			if !info.IsDir() && !info.Mode().IsRegular() && info.Mode()&os.ModeSymlink == 0 {
				continue
			}
			seen[rel] = true
			out = append(out, rel)
		}
	}

	sort.Strings(out)
	return out, nil
}

// Matches reports whether relPath (already relative to root, forward
// slashes) is covered by any of globs and not excluded by ignores. Used
// by the Daemon to decide which Watcher(s) a single fsnotify event
// belongs to, without re-walking the filesystem.
func Matches(relPath string, globs, ignores []string) bool {
	relPath = filepath.ToSlash(relPath)
	if newIgnoreMatcher(ignores).Match(relPath) {
		return false
	}
	for _, pattern := range globs {
		pattern = filepath.ToSlash(pattern)
		if pattern == relPath {
			return true
		}
		if !containsGlobMeta(pattern) {
			if pattern == relPath || strings.HasPrefix(relPath, strings.TrimSuffix(pattern, "/")+"/") {
				return true
			}
			continue
		}
		if base, rest, ok := strings.Cut(pattern, "**"); ok && strings.HasPrefix(relPath, base) {
			// Same zero-or-more-directories reading of "**" as expand.
			rest = strings.TrimPrefix(rest, "/")
			g, err := glob.Compile(rest, '/')
			for sub := relPath[len(base):]; err == nil; {
				if rest == "" || g.Match(sub) {
					return true
				}
				i := strings.Index(sub, "/")
				if i < 0 {
					break
				}
				sub = sub[i+1:]
			}
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		if g.Match(relPath) {
			return true
		}
	}
	return false
}

// expand resolves a single glob pattern (which may contain a "**"
// recursive segment) to absolute paths under root.
func expand(root, pattern string) ([]string, error) {
	pattern = filepath.ToSlash(pattern)
	if !strings.Contains(pattern, "**") {
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			return nil, err
		}
		return matches, nil
	}

	base, rest, _ := strings.Cut(pattern, "**")
	rest = strings.TrimPrefix(rest, "/")
	baseDir := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(base, "/")))
	if _, err := os.Stat(baseDir); err != nil {
		return nil, nil
	}

	g, err := glob.Compile(rest, '/')
	if err != nil && rest != "" {
		return nil, err
	}

	var matches []string
	err = godirwalk.Walk(baseDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == baseDir {
				return nil
			}
			rel, relErr := filepath.Rel(baseDir, path)
			if relErr != nil {
				return relErr
			}
			rel = filepath.ToSlash(rel)
			// "**" spans zero or more directories: try rest against rel
			// and against every suffix of rel that starts after a '/'.
			matched := rest == ""
			for sub := rel; !matched; {
				if matched = g.Match(sub); matched {
					break
				}
				i := strings.Index(sub, "/")
				if i < 0 {
					break
				}
				sub = sub[i+1:]
			}
			if matched {
				matches = append(matches, path)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
