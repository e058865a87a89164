package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

// s3Store implements BlobStore over an S3-compatible service. Uploads go
// through the transfer manager so large files are written in parts.
type s3Store struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3 connects to the configured endpoint and returns the blob store.
// Path-style addressing is required for MinIO.
func NewS3(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})),
	)
	if err != nil {
		return nil, common.Wrap(common.KindUnavailable, "BLOB_CONFIG", "failed to load storage configuration", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle // required for MinIO
		o.HTTPClient = &http.Client{}
	})
	return NewS3WithClient(client, cfg.Bucket), nil
}

// NewS3WithClient builds the store over an injected client for testing.
// Clients that implement the transfer manager's upload API get multipart
// uploads; others fall back to plain PutObject.
func NewS3WithClient(client S3Client, bucket string) BlobStore {
	store := &s3Store{
		client: client,
		bucket: bucket,
	}
	if api, ok := client.(manager.UploadAPIClient); ok {
		store.uploader = manager.NewUploader(api)
	}
	return store
}

func (s *s3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	var err error
	if s.uploader != nil {
		_, err = s.uploader.Upload(ctx, input)
	} else {
		if size > 0 {
			input.ContentLength = aws.Int64(size)
		}
		_, err = s.client.PutObject(ctx, input)
	}
	if err != nil {
		return common.Wrap(common.KindUnavailable, "BLOB_WRITE", "failed to store object "+key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, common.Wrap(common.KindNotFound, "BLOB_NOT_FOUND", "object "+key+" does not exist", err)
		}
		return nil, common.Wrap(common.KindUnavailable, "BLOB_READ", "failed to read object "+key, err)
	}
	return result.Body, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil
		}
		return common.Wrap(common.KindUnavailable, "BLOB_DELETE", "failed to delete object "+key, err)
	}
	return nil
}

func (s *s3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return common.Wrap(common.KindUnavailable, "BLOB_UNAVAILABLE", "bucket "+s.bucket+" unreachable", err)
	}
	return nil
}

// EnsureBucket creates the bucket when it does not exist yet. Used at
// startup in development against MinIO.
func EnsureBucket(ctx context.Context, client S3Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		return nil // Bucket exists
	}
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return common.Wrap(common.KindUnavailable, "BLOB_UNAVAILABLE", "failed to create bucket "+bucket, err)
	}
	return nil
}
