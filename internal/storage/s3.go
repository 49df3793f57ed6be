package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the AWS SDK client
type S3Config struct {
	Endpoint     string // optional; empty means AWS
	AccessKey    string
	SecretKey    string
	Region       string
	Bucket       string
	UsePathStyle bool
	Timeout      time.Duration
	MaxRetries   int
}

// S3Storage implements ObjectStore using aws-sdk-go-v2
type S3Storage struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Storage creates an S3-backed object store
func NewS3Storage(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = "http://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

// buildAWSConfig builds the AWS configuration from the S3 config
func buildAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	optFns = append(optFns, awsconfig.WithRegion(region))

	// Use static credentials if provided
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.MaxRetries > 0 {
		optFns = append(optFns, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.Timeout > 0 {
		optFns = append(optFns, awsconfig.WithHTTPClient(&http.Client{
			Timeout: cfg.Timeout,
		}))
	}

	return awsconfig.LoadDefaultConfig(ctx, optFns...)
}

// Ping verifies the bucket is reachable
func (s *S3Storage) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return classifyS3Error("ping", s.bucket, err)
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error("list", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified).UTC(),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}

	s.logger.Debug("objects listed", "bucket", s.bucket, "prefix", prefix, "count", len(objects))
	return objects, nil
}

func (s *S3Storage) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, classifyS3Error("head", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified).UTC(),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, classifyS3Error("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ObjectInfo{}, newError(Transient, "get", key, err)
	}

	s.logger.Debug("object retrieved", "bucket", s.bucket, "key", key, "size", len(data))
	return data, ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		LastModified: aws.ToTime(out.LastModified).UTC(),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classifyS3Error("put", key, err)
	}

	s.logger.Debug("object stored", "bucket", s.bucket, "key", key, "size", len(data))
	return nil
}

// classifyS3Error converts AWS SDK errors to storage error kinds.
func classifyS3Error(op, key string, err error) *Error {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return newError(NotFound, op, key, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return newError(NotFound, op, key, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return newError(PermissionDenied, op, key, err)
		}
	}
	return newError(Transient, op, key, err)
}
