// Package fetch opens metadata documents and data files by location: a
// local path, a blob bucket url (file://, mem://) or an http(s) url.
// Remote documents are fetched with retries and cached in memory.
// Data files missing at their location are looked up inside a sibling
// "<name>.zip" archive.
package fetch

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/zip"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/JonMunkholm/csvw/internal/metadata"
)

// Location error markers.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported location")
)

// Config tunes remote fetching.
type Config struct {
	HTTPTimeout   time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
	CacheSize     int
	CacheTTL      time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:   30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		CacheSize:     64,
		CacheTTL:      5 * time.Minute,
	}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBucket serves every location under prefix (for example "mem://test")
// from b. The fetcher does not close registered buckets.
func WithBucket(prefix string, b *blob.Bucket) Option {
	return func(f *Fetcher) {
		f.buckets[strings.TrimSuffix(prefix, "/")] = b
		f.borrowed[b] = true
	}
}

// WithLogger sets the logger for retries and cache events.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithSchemes restricts the fetcher to the given url schemes. Local paths
// are refused unless "file" is listed.
func WithSchemes(schemes ...string) Option {
	return func(f *Fetcher) {
		f.schemes = make(map[string]bool, len(schemes))
		for _, s := range schemes {
			f.schemes[s] = true
		}
	}
}

// Fetcher implements metadata.Source and metadata.Sink over every
// supported location kind. It is safe for concurrent use.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	local   metadata.Dir
	cache   *expirable.LRU[string, []byte]
	logger  *slog.Logger
	schemes map[string]bool // nil allows everything

	mu       sync.Mutex
	buckets  map[string]*blob.Bucket
	borrowed map[*blob.Bucket]bool
}

var (
	_ metadata.Source = (*Fetcher)(nil)
	_ metadata.Sink   = (*Fetcher)(nil)
)

// New creates a Fetcher. Relative local paths resolve against dir.
func New(cfg Config, dir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		local:    metadata.Dir(dir),
		logger:   slog.Default(),
		buckets:  make(map[string]*blob.Bucket),
		borrowed: make(map[*blob.Bucket]bool),
	}
	if cfg.CacheSize > 0 {
		f.cache = expirable.NewLRU[string, []byte](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Clone returns a fetcher sharing f's settings, HTTP client and cache but
// none of its buckets, with opts applied on top.
func (f *Fetcher) Clone(opts ...Option) *Fetcher {
	c := &Fetcher{
		cfg:      f.cfg,
		client:   f.client,
		local:    f.local,
		cache:    f.cache,
		logger:   f.logger,
		schemes:  f.schemes,
		buckets:  make(map[string]*blob.Bucket),
		borrowed: make(map[*blob.Bucket]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// allow checks a location scheme, "" meaning a local path.
func (f *Fetcher) allow(scheme string) error {
	if f.schemes == nil || f.schemes[scheme] || (scheme == "" && f.schemes["file"]) {
		return nil
	}
	if scheme == "" {
		return errors.Mark(errors.New("unsupported scheme: local paths are not allowed"), ErrUnsupported)
	}
	return errors.Mark(errors.Newf("unsupported scheme %s", scheme), ErrUnsupported)
}

// Close closes the buckets the fetcher opened itself.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for key, b := range f.buckets {
		if !f.borrowed[b] {
			errs = append(errs, b.Close())
		}
		delete(f.buckets, key)
	}
	return errors.Join(errs...)
}

// Open opens name for reading.
func (f *Fetcher) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := f.open(ctx, name)
	if err == nil || !errors.Is(err, ErrNotFound) || strings.HasSuffix(name, ".zip") {
		return rc, err
	}
	zrc, zerr := f.openZipped(ctx, name)
	if zerr != nil {
		if errors.Is(zerr, ErrNotFound) {
			return nil, err
		}
		return nil, zerr
	}
	return zrc, nil
}

func (f *Fetcher) open(ctx context.Context, name string) (io.ReadCloser, error) {
	u, err := url.Parse(name)
	if err != nil || !metadata.IsURL(name) {
		if err := f.allow(""); err != nil {
			return nil, err
		}
		rc, err := f.local.Open(ctx, name)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Mark(errors.Wrapf(err, "%s not found", name), ErrNotFound)
		}
		return rc, err
	}
	if err := f.allow(u.Scheme); err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		data, err := f.get(ctx, name)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	b, key, err := f.bucket(ctx, u)
	if err != nil {
		return nil, err
	}
	r, err := b.NewReader(ctx, key, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, errors.Mark(errors.Wrapf(err, "%s not found", name), ErrNotFound)
	}
	return r, errors.Wrapf(err, "opening %s", name)
}

// Create opens name for writing. Remote http locations are read-only.
func (f *Fetcher) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	u, err := url.Parse(name)
	if err != nil || !metadata.IsURL(name) {
		if err := f.allow(""); err != nil {
			return nil, err
		}
		return f.local.Create(ctx, name)
	}
	if err := f.allow(u.Scheme); err != nil {
		return nil, err
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return nil, errors.Mark(errors.Newf("unsupported scheme %s for writing", u.Scheme), ErrUnsupported)
	}
	b, key, err := f.bucket(ctx, u)
	if err != nil {
		return nil, err
	}
	w, err := b.NewWriter(ctx, key, nil)
	return w, errors.Wrapf(err, "creating %s", name)
}

// bucket returns the bucket holding u and the object key within it. File
// urls use the parent directory as bucket root.
func (f *Fetcher) bucket(ctx context.Context, u *url.URL) (*blob.Bucket, string, error) {
	prefix := u.Scheme + "://" + u.Host
	key := strings.TrimPrefix(u.Path, "/")
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.buckets[prefix]; ok {
		return b, key, nil
	}
	if u.Scheme == "file" {
		prefix, key = "file://"+path.Dir(u.Path), path.Base(u.Path)
		if b, ok := f.buckets[prefix]; ok {
			return b, key, nil
		}
	}
	open := prefix
	if u.Scheme == "file" {
		// no .attrs sidecar files next to written tables
		open += "?metadata=skip"
	}
	b, err := blob.OpenBucket(ctx, open)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound || errors.Is(err, fs.ErrNotExist) {
			return nil, "", errors.Mark(errors.Wrapf(err, "bucket %s not found", prefix), ErrNotFound)
		}
		if strings.Contains(err.Error(), "no driver registered") {
			return nil, "", errors.Mark(errors.Wrapf(err, "unsupported scheme %s", u.Scheme), ErrUnsupported)
		}
		return nil, "", errors.Wrapf(err, "opening bucket %s", prefix)
	}
	f.buckets[prefix] = b
	return b, key, nil
}

// get fetches an http(s) document, retrying transport errors and 5xx
// responses.
func (f *Fetcher) get(ctx context.Context, name string) ([]byte, error) {
	if f.cache != nil {
		if data, ok := f.cache.Get(name); ok {
			f.logger.Debug("fetch cache hit", slog.String("url", name))
			return data, nil
		}
	}
	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = f.getOnce(ctx, name)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(max(f.cfg.RetryAttempts, 1)),
		retry.Delay(f.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Warn("retrying fetch", slog.String("url", name), slog.Uint64("attempt", uint64(n+1)), slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, err
	}
	if f.cache != nil {
		f.cache.Add(name, data)
	}
	return data, nil
}

func (f *Fetcher) getOnce(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, name, nil)
	if err != nil {
		return nil, retry.Unrecoverable(errors.Wrapf(err, "building request for %s", name))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", name)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.Unrecoverable(errors.Mark(errors.Newf("%s not found", name), ErrNotFound))
	case resp.StatusCode >= 500:
		return nil, errors.Newf("fetching %s: %s", name, resp.Status)
	case resp.StatusCode >= 400:
		return nil, retry.Unrecoverable(errors.Newf("fetching %s: %s", name, resp.Status))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	return data, nil
}

// openZipped reads name from the archive "<name>.zip". The member is
// matched by base name.
func (f *Fetcher) openZipped(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := f.open(ctx, name+".zip")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s.zip", name)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "%s.zip is not a valid zip archive", name)
	}
	member := path.Base(name)
	for _, zf := range zr.File {
		if path.Base(zf.Name) == member {
			f.logger.Debug("reading zipped table", slog.String("archive", name+".zip"), slog.String("member", zf.Name))
			return zf.Open()
		}
	}
	return nil, errors.Newf("zip archive %s.zip has no member %s", name, member)
}

// ReadFile reads a whole location into memory.
func (f *Fetcher) ReadFile(ctx context.Context, name string) ([]byte, error) {
	rc, err := f.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
