// Package archive unpacks tar archives, optionally compressed with gzip, zstd
// or xz. The compression is detected from the leading magic bytes.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ErrUnsafePath is returned for entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Compression identifies the stream wrapping a tar archive.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
	XZ   Compression = "xz"
)

var magics = []struct {
	prefix []byte
	kind   Compression
}{
	{[]byte{0x1f, 0x8b}, Gzip},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, XZ},
}

// Detect reports the compression of the stream behind r without consuming it.
func Detect(r *bufio.Reader) Compression {
	head, _ := r.Peek(6)
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.kind
		}
	}
	return None
}

// ExtractFile unpacks the archive at path into dest and returns the number of
// regular files written.
func ExtractFile(ctx context.Context, path, dest string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	return Extract(ctx, f, dest)
}

// Extract unpacks a tar stream into dest, creating it if needed.
func Extract(ctx context.Context, r io.Reader, dest string) (int, error) {
	br := bufio.NewReader(r)
	var (
		src io.Reader
		err error
	)
	switch Detect(br) {
	case Gzip:
		var gz *gzip.Reader
		gz, err = gzip.NewReader(br)
		if err == nil {
			defer gz.Close()
			src = gz
		}
	case Zstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(br)
		if err == nil {
			defer zr.Close()
			src = zr
		}
	case XZ:
		src, err = xz.NewReader(br)
	default:
		src = br
	}
	if err != nil {
		return 0, fmt.Errorf("opening compressed stream: %w", err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("creating destination: %w", err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}
	base, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return 0, err
	}
	root, err := os.OpenRoot(base)
	if err != nil {
		return 0, fmt.Errorf("opening destination: %w", err)
	}
	defer root.Close()

	tr := tar.NewReader(src)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("reading archive: %w", err)
		}

		target, err := within(base, hdr.Name)
		if err != nil {
			return files, err
		}
		rel, err := filepath.Rel(base, target)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdirAll(root, rel); err != nil {
				return files, fmt.Errorf("creating directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(root, rel, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, fmt.Errorf("writing %s: %w", hdr.Name, err)
			}
			files++
		case tar.TypeSymlink:
			dir, err := parentOf(root, base, rel)
			if err != nil {
				return files, fmt.Errorf("%s: %w", hdr.Name, err)
			}
			link := hdr.Linkname
			if !filepath.IsAbs(link) {
				link = dir + string(os.PathSeparator) + link
			}
			resolved, err := resolve(link)
			if err != nil {
				return files, err
			}
			if !inside(base, resolved) {
				return files, fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if err := os.Symlink(hdr.Linkname, filepath.Join(dir, filepath.Base(rel))); err != nil {
				return files, fmt.Errorf("creating symlink %s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			oldname, err := resolve(base + string(os.PathSeparator) + hdr.Linkname)
			if err != nil {
				return files, err
			}
			if !inside(base, oldname) {
				return files, fmt.Errorf("%w: link %s -> %s", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			dir, err := parentOf(root, base, rel)
			if err != nil {
				return files, fmt.Errorf("%s: %w", hdr.Name, err)
			}
			if err := os.Link(oldname, filepath.Join(dir, filepath.Base(rel))); err != nil {
				return files, fmt.Errorf("creating link %s: %w", hdr.Name, err)
			}
		default:
			// Devices, fifos and pax metadata entries are skipped.
		}
	}
}

// within resolves an entry name against root and rejects names that leave it.
func within(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if !inside(root, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func inside(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

// resolve follows every symlink in path that already exists on disk. The
// part of the path that does not exist yet is joined lexically.
func resolve(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	i := strings.LastIndex(path, string(os.PathSeparator))
	if i <= 0 {
		return filepath.Clean(path), nil
	}
	dir, err := resolve(path[:i])
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path[i+1:]), nil
}

// parentOf creates the directory holding rel and returns its real path, which
// must stay under base.
func parentOf(root *os.Root, base, rel string) (string, error) {
	if err := mkdirAll(root, filepath.Dir(rel)); err != nil {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Join(base, filepath.Dir(rel)))
	if err != nil {
		return "", err
	}
	if !inside(base, dir) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, filepath.Dir(rel))
	}
	return dir, nil
}

func mkdirAll(root *os.Root, rel string) error {
	if rel == "." {
		return nil
	}
	path := ""
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		path = filepath.Join(path, part)
		if err := root.Mkdir(path, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

func writeFile(root *os.Root, rel string, r io.Reader, perm os.FileMode) error {
	if err := mkdirAll(root, filepath.Dir(rel)); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := root.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
