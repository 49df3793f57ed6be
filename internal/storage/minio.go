package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the MinIO/S3-compatible client
type MinioConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	Bucket       string
	UseSSL       bool
	UsePathStyle bool
}

// MinioStorage implements ObjectStore using the minio-go SDK
type MinioStorage struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioStorage creates a MinIO-backed object store
func NewMinioStorage(cfg MinioConfig, logger *slog.Logger) (*MinioStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	endpoint, secure, err := ParseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	lookup := minio.BucketLookupAuto
	if cfg.UsePathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStorage{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

// ParseEndpoint turns S3_ENDPOINT into a host:port and TLS flag.
// A bare host gets the MinIO API port 9000.
func ParseEndpoint(raw string, useSSL bool) (string, bool, error) {
	if raw == "" {
		return "", false, errors.New("S3_ENDPOINT is required")
	}
	host := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("invalid endpoint URL: %w", err)
		}
		host = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}
	host = strings.TrimSuffix(host, "/")
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "9000")
	}
	return host, useSSL, nil
}

// Ping verifies the bucket is reachable
func (s *MinioStorage) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinioError("ping", s.bucket, err)
	}
	if !exists {
		return newError(NotFound, "ping", s.bucket, errors.New("bucket does not exist"))
	}
	return nil
}

func (s *MinioStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()

	var objects []ObjectInfo
	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			return nil, classifyMinioError("list", prefix, obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified.UTC(),
			ETag:         obj.ETag,
		})
	}

	s.logger.Debug("S3 operation", "operation", "list", "bucket", s.bucket, "prefix", prefix,
		"count", len(objects), "duration_ms", time.Since(start).Milliseconds())
	return objects, nil
}

func (s *MinioStorage) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classifyMinioError("head", key, err)
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		LastModified: info.LastModified.UTC(),
		ETag:         info.ETag,
	}, nil
}

func (s *MinioStorage) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	start := time.Now()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, classifyMinioError("get", key, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces NoSuchKey before the body is read
	stat, err := obj.Stat()
	if err != nil {
		return nil, ObjectInfo{}, classifyMinioError("get", key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, ObjectInfo{}, classifyMinioError("get", key, err)
	}

	s.logger.Info("S3 operation", "operation", "download", "bucket", s.bucket, "key", key,
		"size_bytes", len(data), "duration_ms", time.Since(start).Milliseconds())

	return data, ObjectInfo{
		Key:          key,
		Size:         stat.Size,
		LastModified: stat.LastModified.UTC(),
		ETag:         stat.ETag,
	}, nil
}

func (s *MinioStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	start := time.Now()
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return classifyMinioError("put", key, err)
	}

	s.logger.Info("S3 operation", "operation", "upload", "bucket", s.bucket, "key", key,
		"size_bytes", len(data), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// classifyMinioError converts minio-go errors to storage error kinds.
func classifyMinioError(op, key string, err error) *Error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return newError(NotFound, op, key, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return newError(PermissionDenied, op, key, err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return newError(NotFound, op, key, err)
	case http.StatusForbidden, http.StatusUnauthorized:
		return newError(PermissionDenied, op, key, err)
	}
	return newError(Transient, op, key, err)
}
