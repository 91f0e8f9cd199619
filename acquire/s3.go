package acquire

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// ErrSourceNotFound is returned when a source reference points at a
// bucket or key (or local path) that does not exist.
var ErrSourceNotFound = errors.New("source does not exist")

// S3Acquirer fetches an s3://bucket/key object.
type S3Acquirer struct {
	URL string
	Options

	// API overrides the session-built client. Mainly for tests.
	API s3iface.S3API
}

func (a *S3Acquirer) Reference() string { return a.URL }

func (a *S3Acquirer) api() (s3iface.S3API, error) {
	if a.API != nil {
		return a.API, nil
	}
	config := &aws.Config{}
	if a.S3Region != "" {
		config.Region = aws.String(a.S3Region)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating S3 session")
	}
	return s3.New(sess), nil
}

func (a *S3Acquirer) Acquire(ctx context.Context, dst string) (ChecksumPath, error) {
	u, err := url.Parse(a.URL)
	if err != nil {
		return ChecksumPath{}, errors.Wrapf(err, "parsing S3 URL %v", a.URL)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return ChecksumPath{}, errors.Errorf("S3 reference %q needs both a bucket and a key", a.URL)
	}

	return acquire(ctx, a.URL, a.Options, dst, func(ctx context.Context) (io.ReadCloser, error) {
		client, err := a.api()
		if err != nil {
			return nil, err
		}

		result, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok {
				switch aerr.Code() {
				case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey:
					return nil, ErrSourceNotFound
				}
			}
			return nil, errors.Wrapf(err, "fetching S3 object %v", a.URL)
		}
		return result.Body, nil
	})
}
