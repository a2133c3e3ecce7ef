// Package local implements the object-store backend on a local filesystem.
// Used for tests and single-node deployments. Atomic create maps to
// O_CREATE|O_EXCL, which is atomic on POSIX filesystems.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deltaforge/deltaforge/forgedb/backend"
)

type readerWriter struct {
	cfg *Config
}

// New creates a local filesystem backend rooted at cfg.Path.
func New(cfg *Config) (backend.RawBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("local backend requires a path")
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("creating backend root: %w", err)
	}
	return &readerWriter{cfg: cfg}, nil
}

func (rw *readerWriter) Read(_ context.Context, path string) ([]byte, error) {
	b, err := os.ReadFile(rw.abs(path))
	if os.IsNotExist(err) {
		return nil, backend.ErrDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}

func (rw *readerWriter) List(ctx context.Context, prefix string) ([]string, error) {
	attrs, err := rw.ListWithAttributes(ctx, prefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(attrs))
	for _, a := range attrs {
		paths = append(paths, a.Path)
	}
	return paths, nil
}

func (rw *readerWriter) ListWithAttributes(_ context.Context, prefix string) ([]backend.ObjectAttrs, error) {
	var objects []backend.ObjectAttrs

	// Walk from the deepest existing directory of the prefix so a prefix
	// like "table/_commits/000" lists correctly.
	root := rw.abs(prefix)
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		root = filepath.Dir(root)
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rw.cfg.Path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			objects = append(objects, backend.ObjectAttrs{
				Path:         rel,
				Size:         fi.Size(),
				LastModified: fi.ModTime(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

func (rw *readerWriter) Write(_ context.Context, path string, data io.Reader, _ int64) error {
	abs := rw.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return err
	}

	// write to a temp name then rename so readers never observe partial data
	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), abs)
}

func (rw *readerWriter) CreateIfNotExists(_ context.Context, path string, data []byte) error {
	abs := rw.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return err
	}

	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return backend.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (rw *readerWriter) Delete(_ context.Context, path string) error {
	err := os.Remove(rw.abs(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (rw *readerWriter) abs(path string) string {
	return filepath.Join(rw.cfg.Path, filepath.FromSlash(path))
}
