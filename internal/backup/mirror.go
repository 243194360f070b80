package backup

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// MinioMirror uploads backups to MinIO or any S3-compatible store.
type MinioMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioMirror creates a mirror. It does not contact the server.
func NewMinioMirror(cfg MinioConfig) (*MinioMirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio mirror: endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio mirror: %w", err)
	}
	return &MinioMirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// objectName maps a backup key to an object name; ':' is replaced so the
// name stays friendly to every S3 implementation.
func (m *MinioMirror) objectName(key string) string {
	return path.Join(m.prefix, strings.ReplaceAll(key, ":", "/")+".json.zst")
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinioMirror) EnsureBucket(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
}

// Upload writes one backup object.
func (m *MinioMirror) Upload(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.objectName(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/zstd"})
	return err
}

// Remove deletes one backup object. A missing object is not an error.
func (m *MinioMirror) Remove(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, m.objectName(key), minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil
		}
		return err
	}
	return nil
}
