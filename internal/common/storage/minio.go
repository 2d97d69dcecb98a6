package storage

import (
	"context"
	"fmt"
	"io"

	appErr "judgeflow/pkg/errors"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`
}

// MinIOStorage implements ObjectStorage using MinIO S3-compatible APIs.
type MinIOStorage struct {
	core   *minio.Core
	bucket string
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("minio accessKey is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio secretKey is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio core failed: %w", err)
	}
	return &MinIOStorage{core: core, bucket: cfg.Bucket}, nil
}

func (s *MinIOStorage) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, ObjectStat, error) {
	obj, info, _, err := s.core.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectStat{}, s.wrapErr(err, objectKey, "get")
	}
	return obj, ObjectStat{SizeBytes: info.Size, ETag: info.ETag, ContentType: info.ContentType}, nil
}

func (s *MinIOStorage) PutObject(ctx context.Context, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if reader == nil {
		return fmt.Errorf("reader is required")
	}
	if objectKey == "" {
		return fmt.Errorf("objectKey is required")
	}
	opts := minio.PutObjectOptions{}
	if contentType != "" {
		opts.ContentType = contentType
	}
	if _, err := s.core.PutObject(ctx, s.bucket, objectKey, reader, sizeBytes, "", "", opts); err != nil {
		return s.wrapErr(err, objectKey, "put")
	}
	return nil
}

func (s *MinIOStorage) StatObject(ctx context.Context, objectKey string) (ObjectStat, error) {
	info, err := s.core.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return ObjectStat{}, s.wrapErr(err, objectKey, "stat")
	}
	return ObjectStat{
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
	}, nil
}

func (s *MinIOStorage) wrapErr(err error, objectKey, op string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return appErr.New(appErr.ObjectNotFound).WithDetail("key", objectKey)
	}
	return appErr.Wrapf(err, appErr.StorageError, "minio %s object failed", op)
}

var _ ObjectStorage = (*MinIOStorage)(nil)
