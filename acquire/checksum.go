package acquire

import (
	"encoding/hex"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// ChecksumPath binds a byte stream's content digest, filesystem
// location, and declared media type. The checksum is always computed
// from the exact bytes at Path at creation time; the value is immutable
// afterward.
type ChecksumPath struct {
	Path      string
	Checksum  string
	MediaType string
}

// Digest hashes everything in r and returns the hex digest.
func Digest(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "hashing stream")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile hashes the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %v", path)
	}
	defer f.Close()
	return Digest(f)
}

// DigestString hashes a string. Used for cache reference keys.
func DigestString(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// WriteStream drains r to dst while hashing it, producing the
// ChecksumPath for the written bytes. dst must not already exist. An
// empty mediaType is sniffed from the leading bytes of the content.
func WriteStream(dst string, r io.Reader, mediaType string) (ChecksumPath, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return ChecksumPath{}, errors.Wrapf(err, "creating %v", dst)
	}
	defer f.Close()

	h := blake3.New()
	head := make([]byte, 0, 512)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if len(head) < cap(head) {
				take := cap(head) - len(head)
				if take > n {
					take = n
				}
				head = append(head, buf[:take]...)
			}
			if _, err := h.Write(buf[:n]); err != nil {
				return ChecksumPath{}, errors.Wrap(err, "hashing stream")
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return ChecksumPath{}, errors.Wrapf(err, "writing %v", dst)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return ChecksumPath{}, errors.Wrap(rerr, "reading stream")
		}
	}
	if err := f.Close(); err != nil {
		return ChecksumPath{}, errors.Wrapf(err, "closing %v", dst)
	}

	if mediaType == "" {
		mediaType = http.DetectContentType(head)
	}

	return ChecksumPath{
		Path:      dst,
		Checksum:  hex.EncodeToString(h.Sum(nil)),
		MediaType: mediaType,
	}, nil
}

// Verify recomputes the digest of the bytes at the path and compares it
// against the recorded checksum.
func (cp ChecksumPath) Verify() error {
	sum, err := DigestFile(cp.Path)
	if err != nil {
		return err
	}
	if sum != cp.Checksum {
		return errors.Errorf("checksum mismatch at %v: expected %s, got %s", cp.Path, cp.Checksum, sum)
	}
	return nil
}
