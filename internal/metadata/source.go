package metadata

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Source opens metadata documents and data files by name. Names are
// slash-separated paths or absolute URLs.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Sink creates files by name.
type Sink interface {
	Create(ctx context.Context, name string) (io.WriteCloser, error)
}

// Dir is a Source and Sink rooted at a local directory.
type Dir string

// Open opens name below the directory.
func (d Dir) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	return f, nil
}

// Create creates name below the directory, making parent directories.
func (d Dir) Create(_ context.Context, name string) (io.WriteCloser, error) {
	p := d.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create directory for %s", name)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}
	return f, nil
}

func (d Dir) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(string(d), filepath.FromSlash(name))
}

// IsURL reports whether ref carries a scheme such as http:// or file://.
func IsURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && u.Scheme != "" && len(u.Scheme) > 1
}

// ResolveRef resolves ref against the location of the document base.
func ResolveRef(base, ref string) string {
	if IsURL(ref) || strings.HasPrefix(ref, "/") {
		return ref
	}
	if IsURL(base) {
		b, err := url.Parse(base)
		r, err2 := url.Parse(ref)
		if err == nil && err2 == nil {
			return b.ResolveReference(r).String()
		}
	}
	dir := path.Dir(base)
	if dir == "." {
		return path.Clean(ref)
	}
	return path.Join(dir, ref)
}
