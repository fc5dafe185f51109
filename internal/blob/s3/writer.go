package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

const (
	// S3 rejects multipart parts below 5 MiB.
	minPartSize int64 = 5 << 20

	manifestContentType = "application/x-ndjson"
	uploadConcurrency   = 3
)

var _ domain.BlobWriter = (*Writer)(nil)

// Writer uploads archive objects into the client's bucket.
type Writer struct {
	c *Client
}

// NewWriter returns a Writer bound to c.
func NewWriter(c *Client) *Writer {
	return &Writer{c: c}
}

// Put stores one object in a single request.
func (w *Writer) Put(ctx context.Context, name string, data io.Reader, contentType string) error {
	key := w.c.objectKey(name)
	_, err := w.c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.c.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", key, err)
	}
	return nil
}

// PutMultipart streams an ndjson manifest through the upload manager. A
// partSize below the S3 minimum is raised to it.
func (w *Writer) PutMultipart(ctx context.Context, name string, data io.Reader, partSize int64) error {
	key := w.c.objectKey(name)
	uploader := manager.NewUploader(w.c.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
		u.Concurrency = uploadConcurrency
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.c.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(manifestContentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
	}
	return nil
}
