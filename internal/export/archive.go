package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/config"
)

// ObjectStore is the subset of *minio.Client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver uploads exported snapshots to a bucket.
type Archiver struct {
	client ObjectStore
	bucket string
}

// NewArchiver connects to the configured S3-compatible endpoint.
func NewArchiver(cfg config.ArchiveConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "export: create minio client for %s", cfg.Endpoint)
	}
	return NewArchiverWithClient(client, cfg.Bucket), nil
}

// NewArchiverWithClient returns an archiver over an existing client.
func NewArchiverWithClient(client ObjectStore, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// ObjectKey is the key a snapshot taken at is stored under.
func ObjectKey(at time.Time, f Format) string {
	return fmt.Sprintf("rankings/%s.%s", at.UTC().Format("20060102T150405Z"), f)
}

// Upload stores data under ObjectKey, creating the bucket when missing.
func (a *Archiver) Upload(ctx context.Context, at time.Time, f Format, data []byte) (string, error) {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return "", eris.Wrapf(err, "export: check bucket %s", a.bucket)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", eris.Wrapf(err, "export: create bucket %s", a.bucket)
		}
	}

	key := ObjectKey(at, f)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: f.ContentType()})
	if err != nil {
		return "", eris.Wrapf(err, "export: upload %s", key)
	}
	zap.L().Info("export: snapshot archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return key, nil
}
