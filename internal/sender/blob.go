package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// BlobOpener opens a recipient artifact by location.
type BlobOpener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// LocalBlobs reads artifacts from disk. Relative locations resolve under Dir.
type LocalBlobs struct {
	Dir string
}

// Open implements BlobOpener.
func (l LocalBlobs) Open(_ context.Context, location string) (io.ReadCloser, error) {
	path := location
	if !filepath.IsAbs(path) && l.Dir != "" {
		path = filepath.Join(l.Dir, path)
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("recipient file " + location)
	}
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return f, nil
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Blobs reads artifacts from S3. Locations are either s3://bucket/key or a
// bare key in the default bucket.
type S3Blobs struct {
	client S3API
	bucket string
}

// S3Config configures NewS3Blobs.
type S3Config struct {
	Bucket    string
	Region    string
	Profile   string
	AccessKey string
	SecretKey string
}

// NewS3Blobs loads AWS configuration (static keys, then a named profile,
// then the default chain) and returns an S3-backed opener.
func NewS3Blobs(ctx context.Context, cfg S3Config) (*S3Blobs, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	switch {
	case cfg.AccessKey != "" && cfg.SecretKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	case cfg.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3BlobsWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket), nil
}

// NewS3BlobsWithClient wraps an existing client.
func NewS3BlobsWithClient(client S3API, bucket string) *S3Blobs {
	return &S3Blobs{client: client, bucket: bucket}
}

// Open implements BlobOpener.
func (b *S3Blobs) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key := b.bucket, location
	if rest, ok := strings.CutPrefix(location, "s3://"); ok {
		bucket, key, _ = strings.Cut(rest, "/")
	}
	if bucket == "" || key == "" {
		return nil, apperr.Validation("invalid s3 location %q", location)
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperr.NotFound("recipient object " + location)
		}
		return nil, apperr.Transient(fmt.Errorf("get s3://%s/%s: %w", bucket, key, err))
	}
	return out.Body, nil
}

// Bucket is the default bucket.
func (b *S3Blobs) Bucket() string { return b.bucket }

// Ping checks that the default bucket is reachable.
func (b *S3Blobs) Ping(ctx context.Context) error {
	if b.bucket == "" {
		return apperr.Validation("no targets bucket configured")
	}
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return err
}

// Blobs routes s3:// locations to S3 (when configured) and everything else
// to local disk.
type Blobs struct {
	Local LocalBlobs
	S3    *S3Blobs
}

// Open implements BlobOpener.
func (b Blobs) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if strings.HasPrefix(location, "s3://") || (b.S3 != nil && b.S3.bucket != "" && !b.localExists(location)) {
		if b.S3 == nil {
			return nil, apperr.Validation("s3 location %q but no bucket configured", location)
		}
		return b.S3.Open(ctx, location)
	}
	return b.Local.Open(ctx, location)
}

func (b Blobs) localExists(location string) bool {
	path := location
	if !filepath.IsAbs(path) && b.Local.Dir != "" {
		path = filepath.Join(b.Local.Dir, path)
	}
	_, err := os.Stat(path)
	return err == nil
}
