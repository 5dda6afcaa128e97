package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LocalBackend stores cache objects as files under a directory,
// grounded on the teacher's fsCache (cache_fs.go), adapted from a
// per-hash directory of loose files to the single-archive-per-artifact
// layout spec §4.3/§6 describe: "<prefix>/<10-hex>.tar.gz".
type LocalBackend struct {
	Dir string
}

// NewLocalBackend returns a LocalBackend rooted at dir, creating it if
// necessary.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "cache: creating local cache directory")
	}
	return &LocalBackend{Dir: dir}, nil
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) path(objectName string) string {
	return filepath.Join(b.Dir, objectName+".tar.gz")
}

func (b *LocalBackend) Get(_ context.Context, objectName string) (io.ReadCloser, bool, error) {
	f, err := os.Open(b.path(objectName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

func (b *LocalBackend) Put(_ context.Context, objectName string, r io.Reader) error {
	dest := b.path(objectName)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// Clear removes every stored object.
func (b *LocalBackend) Clear() error {
	return os.RemoveAll(b.Dir)
}

// LocalFlags reads the per-invocation kill switches for the local cache
// backend from the environment (spec §6): disable entirely, or override
// read/write independently.
func LocalFlags(defaults Flags) Flags {
	if os.Getenv("SHADOWDOG_DISABLE_LOCAL_CACHE") != "" {
		return Flags{Read: false, Write: false}
	}
	flags := defaults
	if v, ok := os.LookupEnv("SHADOWDOG_LOCAL_CACHE_READ"); ok {
		flags.Read = v != "false" && v != "0"
	}
	if v, ok := os.LookupEnv("SHADOWDOG_LOCAL_CACHE_WRITE"); ok {
		flags.Write = v != "false" && v != "0"
	}
	return flags
}

// LocalCacheDir resolves the local cache directory, honoring the
// SHADOWDOG_LOCAL_CACHE_PATH override (spec §6).
func LocalCacheDir(projectRoot string) string {
	if p := os.Getenv("SHADOWDOG_LOCAL_CACHE_PATH"); p != "" {
		return p
	}
	return filepath.Join(projectRoot, ".shadowdog", "cache")
}
