// Package imagesrc turns a job's image reference into image bytes: staged
// uploads, http(s) URLs and s3:// objects in the configured bucket.
package imagesrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vividflow/vividflow-api/internal/job"
)

// Resolution errors. ErrInvalidImage means the caller supplied something
// unusable; ErrUnavailable means the image could not be fetched.
var (
	ErrInvalidImage = errors.New("invalid image")
	ErrUnavailable  = errors.New("image unavailable")
)

// AllowedTypes are the accepted image MIME types.
var AllowedTypes = []string{"image/png", "image/jpeg", "image/webp"}

// Image is a resolved input image.
type Image struct {
	Data []byte
	MIME string
}

// TempReader opens staged uploads.
type TempReader interface {
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)
}

// Downloader fetches remote URLs.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// ObjectReader opens objects in the configured bucket.
type ObjectReader interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

// Resolver resolves job.ImageRef values.
type Resolver struct {
	temp     TempReader
	download Downloader
	objects  ObjectReader
	bucket   string
	maxBytes int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDownloader enables http(s) image URLs.
func WithDownloader(d Downloader) Option {
	return func(r *Resolver) { r.download = d }
}

// WithBucket enables s3:// URLs for the given bucket.
func WithBucket(bucket string, objects ObjectReader) Option {
	return func(r *Resolver) {
		r.bucket = bucket
		r.objects = objects
	}
}

// WithMaxBytes overrides the size limit.
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) { r.maxBytes = n }
}

// NewResolver creates a Resolver reading staged uploads from temp.
func NewResolver(temp TempReader, opts ...Option) *Resolver {
	r := &Resolver{temp: temp, maxBytes: job.MaxImageBytes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the image bytes and their sniffed MIME type.
func (r *Resolver) Resolve(ctx context.Context, ref job.ImageRef) (*Image, error) {
	var (
		data []byte
		err  error
	)
	switch ref.Kind {
	case job.ImageUpload:
		data, err = r.readAll(ctx, func() (io.ReadCloser, error) { return r.temp.LoadTemp(ctx, ref.Ref) })
	case job.ImageURL:
		data, err = r.fetchURL(ctx, ref.Ref)
	default:
		return nil, fmt.Errorf("%w: unknown image kind %q", ErrInvalidImage, ref.Kind)
	}
	if err != nil {
		return nil, err
	}

	mime, err := r.Check(data)
	if err != nil {
		return nil, err
	}
	return &Image{Data: data, MIME: mime}, nil
}

// Check enforces the size limit and sniffs the content type.
func (r *Resolver) Check(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, r.maxBytes)
	}
	return Sniff(data)
}

// Sniff returns the MIME type of data if it is an accepted image type.
func Sniff(data []byte) (string, error) {
	m := mimetype.Detect(data)
	for _, allowed := range AllowedTypes {
		if m.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported type %s", ErrInvalidImage, m.String())
}

func (r *Resolver) fetchURL(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	switch u.Scheme {
	case "http", "https":
		if r.download == nil {
			return nil, fmt.Errorf("%w: remote URLs are not enabled", ErrInvalidImage)
		}
		data, _, err := r.download.Download(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return data, nil

	case "s3":
		if r.objects == nil || u.Host != r.bucket {
			return nil, fmt.Errorf("%w: bucket %q is not readable", ErrInvalidImage, u.Host)
		}
		key := strings.TrimPrefix(u.Path, "/")
		return r.readAll(ctx, func() (io.ReadCloser, error) { return r.objects.GetObject(ctx, key) })
	}
	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidImage, u.Scheme)
}

func (r *Resolver) readAll(_ context.Context, open func() (io.ReadCloser, error)) ([]byte, error) {
	rc, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return data, nil
}
