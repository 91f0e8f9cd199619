package acquire

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// ErrChecksumMismatch is returned when a caller-supplied expected
// checksum does not match the digest computed from the retrieved bytes.
// The caller can never proceed with untrusted bytes.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Acquirer resolves one named source reference to verified bytes on
// disk. Implementations are safe to run concurrently with each other;
// the only shared state is the cache, which tolerates populate races.
type Acquirer interface {
	// Acquire drains the source into the file at dst and returns the
	// ChecksumPath for the retrieved bytes. The caller picks dst;
	// TargetName derives a default file name from a reference.
	Acquire(ctx context.Context, dst string) (ChecksumPath, error)

	// Reference returns the source reference, for logging and cache
	// keying.
	Reference() string
}

// Options configures acquirer construction.
type Options struct {
	// Expect, when non-empty, is the checksum the retrieved bytes must
	// hash to.
	Expect    string
	MediaType string
	Cache     *Cache

	// Retries and RetryWait bound the attempt budget for network-class
	// sources.
	Retries   int
	RetryWait time.Duration

	S3Region string
}

// ForReference builds the acquirer matching the reference's scheme.
// Plain paths and file:// URLs read the local filesystem; http(s)
// fetches with a bounded retry budget; s3:// goes through the AWS SDK.
func ForReference(ref string, opts Options) (Acquirer, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return &HTTPAcquirer{URL: ref, Options: opts}, nil
	case strings.HasPrefix(ref, "s3://"):
		return &S3Acquirer{URL: ref, Options: opts}, nil
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing file URL %v", ref)
		}
		return &FileAcquirer{Path: u.Path, Options: opts}, nil
	case strings.Contains(ref, "://"):
		return nil, errors.Errorf("unrecognized source scheme in %q", ref)
	default:
		return &FileAcquirer{Path: ref, Options: opts}, nil
	}
}

// TargetName derives a file name from a reference. Two distinct
// references can share a base name, so callers acquiring several
// sources into one directory must disambiguate the destinations
// themselves.
func TargetName(ref string) string {
	name := filepath.Base(strings.TrimSuffix(ref, "/"))
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		name = filepath.Base(strings.TrimSuffix(u.Path, "/"))
	}
	if name == "" || name == "." || name == "/" {
		name = "source-" + DigestString(ref)[:12]
	}
	return name
}

// acquire runs the shared checksum/cache discipline around a
// format-specific fetch.
func acquire(ctx context.Context, ref string, opts Options, dst string, fetch func(ctx context.Context) (io.ReadCloser, error)) (ChecksumPath, error) {
	if err := ctx.Err(); err != nil {
		return ChecksumPath{}, err
	}

	if opts.Cache != nil {
		path, checksum, ok, err := opts.Cache.Lookup(ref)
		if err != nil {
			return ChecksumPath{}, errors.Wrapf(err, "consulting cache for %v", ref)
		}
		if ok {
			if opts.Expect != "" && opts.Expect != checksum {
				return ChecksumPath{}, errors.Wrapf(ErrChecksumMismatch, "source %v: expected %s, got %s", ref, opts.Expect, checksum)
			}
			f, err := os.Open(path)
			if err != nil {
				return ChecksumPath{}, errors.Wrap(err, "opening cached content")
			}
			defer f.Close()
			cp, err := WriteStream(dst, f, opts.MediaType)
			if err != nil {
				return ChecksumPath{}, errors.Wrapf(err, "copying cached content for %v", ref)
			}
			return cp, nil
		}
	}

	body, err := fetch(ctx)
	if err != nil {
		return ChecksumPath{}, errors.Wrapf(err, "fetching %v", ref)
	}
	defer body.Close()

	cp, err := WriteStream(dst, body, opts.MediaType)
	if err != nil {
		return ChecksumPath{}, errors.Wrapf(err, "draining %v", ref)
	}

	if opts.Expect != "" && opts.Expect != cp.Checksum {
		return ChecksumPath{}, errors.Wrapf(ErrChecksumMismatch, "source %v: expected %s, got %s", ref, opts.Expect, cp.Checksum)
	}

	if opts.Cache != nil {
		if err := opts.Cache.Store(ref, cp.Path, cp.Checksum); err != nil {
			return ChecksumPath{}, errors.Wrapf(err, "caching %v", ref)
		}
	}

	return cp, nil
}

// FileAcquirer reads a local file.
type FileAcquirer struct {
	Path string
	Options
}

func (a *FileAcquirer) Reference() string { return a.Path }

func (a *FileAcquirer) Acquire(ctx context.Context, dst string) (ChecksumPath, error) {
	return acquire(ctx, a.Path, a.Options, dst, func(ctx context.Context) (io.ReadCloser, error) {
		return os.Open(a.Path)
	})
}

// HTTPAcquirer fetches over http(s) with a bounded retry budget.
type HTTPAcquirer struct {
	URL string
	Options

	// Client overrides the retryable client built from Options. Mainly
	// for tests.
	Client *retryablehttp.Client
}

func (a *HTTPAcquirer) Reference() string { return a.URL }

func (a *HTTPAcquirer) client() *retryablehttp.Client {
	if a.Client != nil {
		return a.Client
	}
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = a.Retries
	if a.RetryWait > 0 {
		client.RetryWaitMin = a.RetryWait
		client.RetryWaitMax = a.RetryWait
	}
	return client
}

func (a *HTTPAcquirer) Acquire(ctx context.Context, dst string) (ChecksumPath, error) {
	return acquire(ctx, a.URL, a.Options, dst, func(ctx context.Context) (io.ReadCloser, error) {
		req, err := retryablehttp.NewRequest("GET", a.URL, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "building request for %v", a.URL)
		}
		req = req.WithContext(ctx)

		resp, err := a.client().Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, errors.Errorf("got status %d", resp.StatusCode)
		}
		return resp.Body, nil
	})
}
