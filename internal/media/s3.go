// internal/media/s3.go
// Package media provides S3-compatible access to the recording blob store.
// Recordings are written by the capture platform under OPCO/year/month/day/
// prefixes; this service only lists and reads them.
package media

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore is the read surface the locator and archive builder need.
type BlobStore interface {
	// ListKeys returns every object key under the given prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// GetBytes reads an object fully into memory.
	GetBytes(ctx context.Context, key string) ([]byte, error)

	// GetStream opens an object for streaming. The caller closes it.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// S3Client wraps the AWS S3 client for recording blob access.
type S3Client struct {
	client *s3.Client // AWS S3 client
	bucket string     // Bucket holding the raw WAV recordings
}

// NewS3Client creates a new S3 client for the recording bucket.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name holding the recordings
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
//
// Returns:
//   - *S3Client: Initialized S3 client
//   - error: Any error that occurred during initialization
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Client{
		client: client,
		bucket: bucket,
	}, nil
}

// ListKeys returns every object key under the given prefix, following
// continuation tokens until the listing is exhausted.
func (s *S3Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// GetBytes reads an object fully into memory. Recordings are short calls, so
// buffering the WAV for the transcoder is acceptable.
func (s *S3Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	body, err := s.GetStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// GetStream opens an object for streaming. The caller closes the reader.
func (s *S3Client) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return result.Body, nil
}
