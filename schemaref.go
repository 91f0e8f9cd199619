package ingestkit

import (
	"archive/zip"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// SchemaResolver turns a schema reference into schema bytes. A bare
// string (no scheme) is tried against the registered resource
// filesystem; http(s), file, zip and jar references are fetched over
// their scheme. Anything else is a configuration error, never guessed
// at.
type SchemaResolver struct {
	// Resources backs bare-string references. Leaving it nil makes
	// every bare reference fail with ErrNoSchema.
	Resources fs.FS

	// Client is used for http(s) references. A nil Client gets the
	// retryable default.
	Client *retryablehttp.Client
}

// Resolve fetches the schema bytes for ref.
func (r SchemaResolver) Resolve(ref string) ([]byte, error) {
	if ref == "" {
		return nil, errors.Wrap(ErrNoSchema, "empty schema reference")
	}

	scheme := ""
	if i := strings.Index(ref, ":"); i > 1 { // single letters are windows-ish paths, not schemes
		scheme = strings.ToLower(ref[:i])
	}

	switch scheme {
	case "":
		return r.resolveResource(ref)
	case "http", "https":
		return r.resolveHTTP(ref)
	case "file":
		u, err := url.Parse(ref)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing file URL %v", ref)
		}
		return r.resolveFile(u.Path)
	case "zip", "jar":
		return r.resolveZip(strings.TrimPrefix(ref[len(scheme)+1:], "//"))
	default:
		return nil, errors.Wrapf(ErrNoSchema, "unrecognized scheme %q in %q", scheme, ref)
	}
}

func (r SchemaResolver) resolveResource(ref string) ([]byte, error) {
	if r.Resources == nil {
		return nil, errors.Wrapf(ErrNoSchema, "no resources registered for %q", ref)
	}
	data, err := fs.ReadFile(r.Resources, ref)
	if err != nil {
		return nil, errors.Wrapf(ErrNoSchema, "resource %q: %v", ref, err)
	}
	return data, nil
}

func (r SchemaResolver) resolveHTTP(ref string) ([]byte, error) {
	client := r.Client
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	resp, err := client.Get(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "getting %v", ref)
	}
	defer resp.Body.Close()
	if resp.StatusCode > 299 {
		return nil, errors.Errorf("got status %d fetching %v", resp.StatusCode, ref)
	}
	return io.ReadAll(resp.Body)
}

func (r SchemaResolver) resolveFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %v", path)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// resolveZip reads an entry out of a zip (or jar) archive. The
// reference format is archive!entry, matching jar-URL conventions.
func (r SchemaResolver) resolveZip(ref string) ([]byte, error) {
	archive, entry, found := strings.Cut(ref, "!")
	if !found || entry == "" {
		return nil, errors.Wrapf(ErrNoSchema, "zip reference %q needs an !entry suffix", ref)
	}
	entry = strings.TrimPrefix(entry, "/")

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, errors.Wrapf(err, "opening archive %v", archive)
	}
	defer zr.Close()

	f, err := zr.Open(entry)
	if err != nil {
		return nil, errors.Wrapf(ErrNoSchema, "entry %q in %v: %v", entry, archive, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
