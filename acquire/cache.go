package acquire

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrCacheCorrupt is returned when cached content no longer matches the
// checksum it is keyed under. Corrupt entries are never served.
var ErrCacheCorrupt = errors.New("cache content does not match its checksum key")

// Cache is a checksum-keyed artifact cache. Content lives under
// content/<checksum>; a small refs/<digest-of-reference> file maps a
// source reference to the checksum it last produced. Two acquirers may
// race to populate the same key; writes go through a temp file and
// rename, so last-writer-wins while the checksum invariant holds.
type Cache struct {
	Dir string
}

// NewCache prepares the cache layout under dir.
func NewCache(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	for _, sub := range []string{"content", "refs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating cache directory %v", sub)
		}
	}
	return &Cache{Dir: dir}, nil
}

func (c *Cache) contentPath(checksum string) string {
	return filepath.Join(c.Dir, "content", checksum)
}

func (c *Cache) refPath(ref string) string {
	return filepath.Join(c.Dir, "refs", DigestString(ref))
}

// Lookup finds cached content for a source reference. It re-hashes the
// content and refuses to serve an entry whose digest no longer matches
// its key. A miss returns ok=false with no error.
func (c *Cache) Lookup(ref string) (path string, checksum string, ok bool, err error) {
	raw, err := os.ReadFile(c.refPath(ref))
	if os.IsNotExist(err) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, errors.Wrap(err, "reading cache ref")
	}
	checksum = strings.TrimSpace(string(raw))

	path = c.contentPath(checksum)
	sum, err := DigestFile(path)
	if os.IsNotExist(errors.Cause(err)) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	if sum != checksum {
		return "", "", false, errors.Wrapf(ErrCacheCorrupt, "key %s, content %s", checksum, sum)
	}
	return path, checksum, true, nil
}

// Store copies the bytes at src into the cache under their checksum and
// records the reference mapping.
func (c *Cache) Store(ref, src, checksum string) error {
	if err := copyViaRename(src, c.contentPath(checksum)); err != nil {
		return errors.Wrap(err, "storing cache content")
	}

	tmp, err := os.CreateTemp(filepath.Join(c.Dir, "refs"), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating cache ref")
	}
	if _, err := tmp.WriteString(checksum); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing cache ref")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing cache ref")
	}
	return errors.Wrap(os.Rename(tmp.Name(), c.refPath(ref)), "publishing cache ref")
}

func copyViaRename(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
