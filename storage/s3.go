package storage

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/errdefs"
)

// S3Store implements BlobStore on any S3-compatible endpoint: AWS
// itself, MinIO or Hetzner object storage. Custom endpoints keep the
// hostname immutable and usually need path-style addressing.
type S3Store struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Store dials the configured endpoint and makes sure the bucket
// is reachable, creating it when missing.
func NewS3Store(ctx context.Context, cfg config.BlobConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.URL != "" {
		endpoint := cfg.URL
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrFatal, err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle // required for MinIO
	})

	store := NewS3StoreWithClient(client, cfg.Bucket)
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewS3StoreWithClient wires an existing client. Tests use it with the
// mock.
func NewS3StoreWithClient(client S3Client, bucket string) *S3Store {
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "create bucket %s", s.bucket)
	}
	return nil
}

// Put uploads the blob. The upload manager switches to multipart
// transparently for large bodies.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, err, "put blob %s", key)
	}
	return nil
}

// Get returns the blob content. The caller closes the reader.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, errdefs.E(errdefs.ErrNotFound, "blob %s not found", key)
		}
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "get blob %s", key)
	}
	return out.Body, nil
}

// Exists reports presence without fetching the body. Upload uses it to
// skip re-sending bytes the workspace already stores.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	// HeadObject reports missing keys as types.NotFound, unlike
	// GetObject which uses types.NoSuchKey.
	var notFound *types.NotFound
	var noKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return false, nil
	}
	return false, errdefs.Wrapf(errdefs.ErrTransient, err, "head blob %s", key)
}
