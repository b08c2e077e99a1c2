package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	Endpoint     string // Custom endpoint for S3-compatible services (e.g., http://localhost:9000)
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool   // Required for most S3-compatible services
	TempDir      string // Spool directory for uploads; system default if empty
}

// S3Backend implements StorageBackend on AWS S3 or a compatible service.
type S3Backend struct {
	client  *s3.Client
	bucket  string
	tempDir string
}

func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Backend{client: client, bucket: cfg.Bucket, tempDir: cfg.TempDir}, nil
}

func (s *S3Backend) Name() string { return "s3" }

// Save spools the content to a temp file so the request can be signed with
// a known length, then uploads it.
func (s *S3Backend) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := cleanKey(opts.Key)
	if err != nil {
		return SaveResult{}, err
	}

	spool, err := os.CreateTemp(s.tempDir, "hoard-upload-*")
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hr := newHashingReader(r, opts.MaxBytes)
	if _, err := io.CopyBuffer(spool, hr, make([]byte, copyBufferSize)); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return SaveResult{}, ErrTooLarge
		}
		return SaveResult{}, fmt.Errorf("failed to read content: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return SaveResult{}, fmt.Errorf("failed to rewind temp file: %w", err)
	}

	result := hr.result(key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(result.Size),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return SaveResult{}, fmt.Errorf("failed to upload to S3: %w", err)
	}
	return result, nil
}

func (s *S3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return output.Body, nil
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFoundError(err) {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *S3Backend) Stat(ctx context.Context, key string) (FileInfo, error) {
	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFoundError(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("failed to stat object in S3: %w", err)
	}

	info := FileInfo{Path: key, Size: aws.ToInt64(output.ContentLength)}
	if output.LastModified != nil {
		info.ModTime = *output.LastModified
	}
	return info, nil
}

func (s *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

func (s *S3Backend) ValidateAccess(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	testKey := ".hoard-access-test-" + uuid.NewString()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(testKey),
		Body:   bytes.NewReader([]byte("access test")),
	})
	if err != nil {
		return fmt.Errorf("S3 write access test failed: %w", err)
	}

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		return fmt.Errorf("S3 read access test failed: %w", err)
	}
	obj.Body.Close()

	if err := s.Delete(ctx, testKey); err != nil {
		return fmt.Errorf("S3 delete access test failed: %w", err)
	}
	return nil
}

func isS3NotFoundError(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	// Some S3-compatible services answer HEAD with a bare 404.
	return strings.Contains(err.Error(), "StatusCode: 404")
}
