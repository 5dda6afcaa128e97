// Package cache implements the read-before/write-after cache middlewares
// described in spec §4.6: a local filesystem backend grounded on the
// teacher's cache_fs.go, and an S3-compatible remote backend for the
// "specific caching backends ... specified only by their middleware
// contract" the spec calls out in §1.
package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/factorialco/shadowdog/internal/artifact"
	"github.com/factorialco/shadowdog/internal/cachekey"
	"github.com/factorialco/shadowdog/internal/config"
	"github.com/factorialco/shadowdog/internal/taskrunner"
)

// Backend is the storage transport a cache middleware wraps: local
// directory or remote object store. Get/Put operate on a single
// per-artifact object name.
type Backend interface {
	// Get opens the stored object, or returns (nil, false, nil) on miss.
	Get(ctx context.Context, objectName string) (io.ReadCloser, bool, error)
	// Put uploads/stores the object's bytes.
	Put(ctx context.Context, objectName string, r io.Reader) error
	// Name identifies the backend for logging ("local", "remote").
	Name() string
}

// Flags are the effective read/write switches for one middleware
// invocation — read per spec.md §4.6 ("these overrides are read per
// middleware invocation, not cached"), never memoized across runs.
type Flags struct {
	Read  bool
	Write bool
}

// Middleware builds a taskrunner.Middleware around backend using flags.
// root is the project root every Files/artifact output entry is relative
// to. tempRoot is the parent directory for the per-invocation temporary
// extraction directories the SHA verification step needs; each of those
// directories is removed on every exit path, tempRoot itself is kept.
func Middleware(logger hclog.Logger, backend Backend, flags Flags, root, tempRoot string) taskrunner.Middleware {
	logger = logger.Named("cache:" + backend.Name())
	return func(ctx *taskrunner.Context, next taskrunner.Next) error {
		if flags.Read {
			hit, err := readPath(ctx, logger, backend, root, tempRoot)
			if err != nil {
				// Cache-layer errors are recovered locally: treated as a
				// miss, not a Task failure (spec §7 CachePackUnpackFail).
				logger.Warn("cache read failed, falling back to execution", "error", err)
			} else if hit {
				ctx.Abort()
				return nil
			}
		}

		if err := next(); err != nil {
			return err
		}

		if flags.Write {
			writePath(ctx, logger, backend, root)
		}
		return nil
	}
}

// readPath computes the cache key and, for every artifact, attempts a
// restore. It returns hit=true only when every artifact in the Command
// was already correct or was successfully restored (spec §4.6: "If every
// artifact in the Command hits, the middleware calls abort()").
func readPath(rc *taskrunner.Context, logger hclog.Logger, backend Backend, root, tempRoot string) (bool, error) {
	key, err := computeKey(rc, root)
	if err != nil {
		return false, err
	}

	for _, a := range rc.CommandConfig.Artifacts {
		objectName, err := cachekey.ObjectName(key, a.Output)
		if err != nil {
			return false, err
		}
		hit, err := restoreOne(rc, logger, backend, objectName, a, root, tempRoot)
		if err != nil {
			return false, err
		}
		if !hit {
			logger.Debug("cache miss", "artifact", a.Output, "key", key)
			return false, nil
		}
		logger.Debug("cache hit", "artifact", a.Output, "key", key)
	}
	return true, nil
}

func restoreOne(rc *taskrunner.Context, logger hclog.Logger, backend Backend, objectName string, a config.Artifact, root, tempRoot string) (bool, error) {
	r, found, err := backend.Get(rc.GoContext, objectName)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	defer r.Close()

	tmpDir := filepath.Join(tempRoot, "restore-"+uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return false, err
	}
	defer os.RemoveAll(tmpDir)

	absOutput := joinRoot(root, a.Output)

	ignore := ignoreFilterFor(a)
	if err := artifact.Unpack(r, tmpDir, ignore); err != nil {
		// A corrupt/partial archive is treated as a miss, not a Task
		// failure (spec §7: CachePackUnpackFail on the read path).
		logger.Warn("failed to extract cached artifact, treating as miss", "artifact", a.Output, "error", err)
		return false, nil
	}

	extracted := filepath.Join(tmpDir, filepath.Base(absOutput))
	extractedDigest, err := cachekey.ContentDigestPath(extracted)
	if err != nil {
		return false, err
	}

	existingDigest, err := cachekey.ContentDigestPath(absOutput)
	if err != nil {
		return false, err
	}

	if existingDigest == extractedDigest && existingDigest != "" {
		logger.Debug("skipping restore, destination already matches cache", "artifact", a.Output)
		return true, nil
	}

	if err := os.RemoveAll(absOutput); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(absOutput), 0o755); err != nil {
		return false, err
	}
	if err := os.Rename(extracted, absOutput); err != nil {
		return false, err
	}
	return true, nil
}

// writePath packs and stores every artifact the Command produced. A
// failure to store is logged but never fails the Task (spec §4.6).
func writePath(rc *taskrunner.Context, logger hclog.Logger, backend Backend, root string) {
	key, err := computeKey(rc, root)
	if err != nil {
		logger.Error("failed to compute cache key on write path", "error", err)
		return
	}
	for _, a := range rc.CommandConfig.Artifacts {
		absOutput := joinRoot(root, a.Output)
		if _, statErr := os.Stat(absOutput); statErr != nil {
			logger.Debug("not present, skipping cache write", "artifact", a.Output)
			continue
		}
		objectName, err := cachekey.ObjectName(key, a.Output)
		if err != nil {
			logger.Error("failed computing object name", "artifact", a.Output, "error", err)
			continue
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(artifact.Pack(pw, absOutput, ignoreFilterFor(a)))
		}()
		if err := backend.Put(rc.GoContext, objectName, pr); err != nil {
			logger.Error("failed to store artifact in cache", "artifact", a.Output, "error", err)
		}
	}
}

func computeKey(rc *taskrunner.Context, root string) (string, error) {
	return cachekey.Compute(cachekey.Inputs{
		Root:                   root,
		Files:                  rc.Files,
		InvalidatorFiles:       rc.InvalidatorFiles,
		InvalidatorEnvironment: rc.EnvironmentNames,
		Command:                rc.CommandConfig.Command,
		ToolVersion:            ToolVersion,
	})
}

func joinRoot(root, rel string) string {
	if root == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(root, rel)
}

func ignoreFilterFor(a config.Artifact) artifact.IgnoreFilter {
	if len(a.Ignore) == 0 {
		return artifact.NoIgnore
	}
	excludes := a.Ignore
	return func(relPath string) bool {
		for _, e := range excludes {
			if e == relPath {
				return true
			}
		}
		return false
	}
}

// ToolVersion is the tool version folded into every cache key (spec
// §4.1). It is "dev" unless overridden at link time (-ldflags -X); the
// main package reads it but does not set it.
var ToolVersion = "dev"
