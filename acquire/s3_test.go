package acquire

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves canned objects keyed by "bucket/key".
type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3AcquirerFetch(t *testing.T) {
	acq := &S3Acquirer{
		URL: "s3://bucket/dir/data.csv",
		API: &fakeS3{objects: map[string]string{"bucket/dir/data.csv": "a,b\n1,2\n"}},
	}

	dst := filepath.Join(t.TempDir(), TargetName(acq.URL))
	cp, err := acq.Acquire(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, dst, cp.Path)
	require.Equal(t, DigestString("a,b\n1,2\n"), cp.Checksum)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(got))
}

func TestS3AcquirerMissingKeyOrBucket(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"bucket/data.csv": "payload"}}

	// a reference naming only a bucket is malformed, not fetchable
	for _, ref := range []string{"s3://bucket", "s3://bucket/", "s3:///data.csv"} {
		acq := &S3Acquirer{URL: ref, API: fake}
		_, err := acq.Acquire(context.Background(), filepath.Join(t.TempDir(), "out"))
		require.Error(t, err, ref)
		require.Contains(t, err.Error(), "bucket and a key", ref)
	}
}

func TestS3AcquirerObjectNotFound(t *testing.T) {
	acq := &S3Acquirer{
		URL: "s3://bucket/missing.csv",
		API: &fakeS3{objects: map[string]string{}},
	}

	_, err := acq.Acquire(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.True(t, errors.Is(err, ErrSourceNotFound), "got %v", err)
}
