// Package artifact implements the codec that packs an output path (file
// or directory tree) into a single gzip-framed tar stream and restores
// it, mirroring the teacher's cacheitem package but specified by spec
// §4.3 rather than turborepo's cache-item format.
package artifact

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// IgnoreFilter reports whether a path, relative to the artifact itself
// (the archive member name minus its leading basename), should be
// omitted from the pack/unpack operation.
type IgnoreFilter func(relPath string) bool

// NoIgnore never filters anything out.
func NoIgnore(string) bool { return false }

// Pack streams a single archive whose root is the parent directory of
// artifactPath and whose sole top-level member is its base name. The
// archive is streamed to w while the tree is walked; an error on the
// producer side is returned to the caller, but bytes already written to
// w are not retracted, so a caller that stores the stream must discard
// it when Pack fails.
func Pack(w io.Writer, artifactPath string, ignore IgnoreFilter) error {
	if ignore == nil {
		ignore = NoIgnore
	}
	info, err := os.Lstat(artifactPath)
	if err != nil {
		return errors.Wrapf(err, "pack: artifact %q does not exist", artifactPath)
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- packInto(pw, artifactPath, info, ignore)
		pw.Close()
	}()

	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, pr); err != nil {
		pr.CloseWithError(err)
		<-errCh
		return errors.Wrap(err, "pack: writing archive")
	}
	if err := <-errCh; err != nil {
		return err
	}
	return gz.Close()
}

func packInto(w io.Writer, artifactPath string, info os.FileInfo, ignore IgnoreFilter) error {
	tw := tar.NewWriter(w)
	base := filepath.Base(artifactPath)

	if !info.IsDir() {
		if err := addTarEntry(tw, artifactPath, base, info); err != nil {
			return err
		}
		return tw.Close()
	}

	var rels []string
	err := godirwalk.Walk(artifactPath, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == artifactPath {
				return nil
			}
			rel, err := filepath.Rel(artifactPath, path)
			if err != nil {
				return err
			}
			rels = append(rels, rel)
			return nil
		},
	})
	if err != nil {
		return errors.Wrap(err, "pack: walking artifact tree")
	}
	sort.Strings(rels)

	if err := addTarEntry(tw, artifactPath, base, info); err != nil {
		return err
	}
	for _, rel := range rels {
		if ignore(filepath.ToSlash(rel)) {
			continue
		}
		full := filepath.Join(artifactPath, rel)
		fi, err := os.Lstat(full)
		if err != nil {
			return err
		}
		member := filepath.ToSlash(filepath.Join(base, rel))
		if err := addTarEntry(tw, full, member, fi); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addTarEntry(tw *tar.Writer, srcPath, member string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		l, err := os.Readlink(srcPath)
		if err != nil {
			return err
		}
		link = l
	}
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = member
	// Zeroed for determinism: content, not metadata, is what the SHA
	// verification path (spec §4.6) compares.
	header.Uid, header.Gid = 0, 0
	header.AccessTime, header.ChangeTime = zeroTime, zeroTime
	header.ModTime = zeroTime

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}
	return nil
}

var zeroTime = time.Unix(0, 0)

// Unpack reads a gzip-framed tar stream produced by Pack and writes it
// into dest/<basename>, creating intermediate directories as needed.
func Unpack(r io.Reader, destDir string, ignore IgnoreFilter) error {
	if ignore == nil {
		ignore = NoIgnore
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "unpack: opening gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "unpack: reading tar stream")
		}

		rel := firstSegmentTrimmed(header.Name)
		if ignore(rel) {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// firstSegmentTrimmed returns everything in name after the first path
// segment (the artifact's own basename), which is what IgnoreFilter
// entries are expressed relative to.
func firstSegmentTrimmed(name string) string {
	name = filepath.ToSlash(name)
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return ""
}
