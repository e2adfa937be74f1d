package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the slice of MinIO the exporter needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
	Bucket() string
}

type MinIOStore struct {
	mc     *minio.Client
	bucket string
}

func NewMinIO(endpoint, access, secret string, useTLS bool, bucket string) (*MinIOStore, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIOStore{mc: mc, bucket: bucket}, nil
}

func (s *MinIOStore) Bucket() string { return s.bucket }

func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (s *MinIOStore) Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := s.mc.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// ObjectPath partitions archives by UTC day.
func ObjectPath(prefix string, t time.Time, file string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/%s", prefix, t.Year(), t.Month(), t.Day(), file)
}
