package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores capture payloads (photos, attachments) in an
// S3-compatible object store.
type Uploader struct {
	client *minio.Client
	bucket string
}

// NewUploader connects to the object store and makes sure the bucket
// exists.
func NewUploader(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		log.Printf("artifact: created bucket %s", bucket)
	}

	return &Uploader{client: client, bucket: bucket}, nil
}

// Upload writes one object. The object name carries the full key,
// typically "captures/<date>/<id>.jpg".
func (u *Uploader) Upload(ctx context.Context, objectName string, payload []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectName, err)
	}
	return nil
}
