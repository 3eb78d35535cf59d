package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fsStore keeps blobs as files under a root directory. Content types are
// recorded in a sidecar xattr-free way: a ".meta" file next to the blob
// would complicate listings, so the type is re-derived from the extension
// on read instead.
type fsStore struct {
	root string
}

// NewFS returns a filesystem-backed Store rooted at dir. The directory is
// created if missing.
func NewFS(dir string) (Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", dir, err)
	}
	return &fsStore{root: dir}, nil
}

// resolve maps a blob name to a path under root, rejecting traversal.
func (s *fsStore) resolve(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("blob: invalid name %q", name)
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// ContentTypeFor derives the content type from a blob name's extension.
func ContentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".sql.gz"):
		return ContentTypeGzip
	case strings.HasSuffix(name, ".sql"):
		return ContentTypeSQL
	default:
		return ContentTypeBak
	}
}

// Put streams r into a temp file in the destination directory, then renames
// it over the final path. Rename within one directory is atomic, so readers
// never observe a partial blob.
func (s *fsStore) Put(ctx context.Context, name, contentType string, r io.Reader) (int64, error) {
	path, err := s.resolve(name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("blob: create directory for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("blob: create temp for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("blob: write %s: %w", name, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("blob: publish %s: %w", name, err)
	}
	return n, nil
}

func (s *fsStore) Open(ctx context.Context, name string) (io.ReadCloser, Info, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, fmt.Errorf("blob: open %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, fmt.Errorf("blob: stat %s: %w", name, err)
	}
	return f, infoFor(name, st), nil
}

func (s *fsStore) Stat(ctx context.Context, name string) (Info, error) {
	path, err := s.resolve(name)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("blob: stat %s: %w", name, err)
	}
	return infoFor(name, st), nil
}

func (s *fsStore) Delete(ctx context.Context, name string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("blob: delete %s: %w", name, err)
	}
	return nil
}

func (s *fsStore) List(ctx context.Context, prefix string) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, infoFor(name, st))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fsStore) URL(name string) string {
	return "file://" + filepath.ToSlash(filepath.Join(s.root, filepath.FromSlash(name)))
}

func infoFor(name string, st fs.FileInfo) Info {
	return Info{
		Name:         name,
		SizeBytes:    st.Size(),
		ContentType:  ContentTypeFor(name),
		LastModified: st.ModTime().UTC(),
	}
}

// contextReader aborts long copies when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
