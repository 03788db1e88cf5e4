// Package s3 provides an S3-backed BlobStore.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/packgate/packgate/pkg/storage"
)

var tracer = otel.Tracer("github.com/packgate/packgate/pkg/storage/s3")

// Config holds S3 connection settings
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// BlobStore stores package blobs in an S3 bucket, content addressed by
// SHA256 under the blobs/ prefix.
type BlobStore struct {
	client *awss3.Client
	bucket string
	log    *logrus.Entry
}

// NewBlobStore creates an S3 blob store
func NewBlobStore(ctx context.Context, cfg Config) (*BlobStore, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// static credentials for MinIO or explicit keys
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		log:    logrus.WithField("component", "s3-blobstore"),
	}, nil
}

func blobKey(sha256hex string) string {
	return "blobs/" + sha256hex[0:2] + "/" + sha256hex
}

// Put implements storage.BlobStore. Content is buffered to digest it and to
// give the SDK a seekable body.
func (s *BlobStore) Put(ctx context.Context, content io.Reader) (*storage.BlobInfo, error) {
	ctx, span := tracer.Start(ctx, "S3BlobStore.Put",
		trace.WithAttributes(attribute.String("s3.bucket", s.bucket)),
	)
	defer span.End()

	reader, finish := storage.DigestReader(content)
	data, err := io.ReadAll(reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read content")
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	sums, size := finish()
	key := blobKey(sums.SHA256)
	span.SetAttributes(attribute.String("s3.key", key), attribute.Int64("content.size", size))

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"checksum-sha256": sums.SHA256,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return nil, fmt.Errorf("failed to upload to s3: %w", err)
	}

	s.log.WithFields(logrus.Fields{"key": key, "size": size}).Debug("blob stored")
	return &storage.BlobInfo{Key: sums.SHA256, Size: size, Checksums: sums}, nil
}

// Get implements storage.BlobStore
func (s *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "S3BlobStore.Get",
		trace.WithAttributes(attribute.String("s3.key", key)),
	)
	defer span.End()

	result, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object from s3")
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	return result.Body, nil
}

// Delete implements storage.BlobStore
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// HealthCheck verifies S3 connectivity
func (s *BlobStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}
