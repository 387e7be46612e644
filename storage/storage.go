package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	appconfig "plant-diagnosis-pipeline/config"
)

var (
	// ErrObjectNotFound means the object is missing from the bucket, e.g.
	// deleted between listing and fetch.
	ErrObjectNotFound = errors.New("object not found in storage")
	// ErrUnavailable means the store could not be reached; the operation
	// may succeed on a future run.
	ErrUnavailable = errors.New("object storage unavailable")
)

// ObjectStore reads plant images from an S3-compatible bucket.
type ObjectStore struct {
	client *s3.Client
	bucket string
}

// New builds the S3 client. A non-empty endpoint points at an S3-compatible
// store (MinIO etc.) and forces path-style addressing.
func New(cfg *appconfig.Config) (*ObjectStore, error) {
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.S3Endpoint != "" {
			return aws.Endpoint{
				URL:               cfg.S3Endpoint,
				HostnameImmutable: true,
				Source:            aws.EndpointSourceCustom,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithEndpointResolverWithOptions(customResolver),
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3Endpoint != ""
	})

	return &ObjectStore{client: client, bucket: cfg.S3Bucket}, nil
}

// Fetch downloads the object at key and returns its bytes.
func (s *ObjectStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, ErrUnavailable)
	}

	log.WithField("key", key).WithField("bytes", len(data)).Debug("Fetched image from storage")
	return data, nil
}

// Ping verifies the bucket is reachable.
func (s *ObjectStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", s.bucket, ErrUnavailable)
	}
	return nil
}

// classify maps S3 errors onto the two failure modes the pipeline
// distinguishes: a permanently missing object versus a transient outage.
func classify(key string, err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("object %s: %w", key, ErrObjectNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("object %s: %w", key, ErrObjectNotFound)
		}
	}

	return fmt.Errorf("failed to fetch object %s: %v: %w", key, err, ErrUnavailable)
}
