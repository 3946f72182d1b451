// Package blob stores document attachments in S3-compatible object storage.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Client struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the attachment bucket exists.
func New(ctx context.Context, cfg Config) (*Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := client.BucketExists(ctx, cfg.Bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Client{client: client, bucket: cfg.Bucket}, nil
}

func objectName(documentID, filename string) string {
	return documentID + "/" + filename
}

// Upload stores an attachment and returns a time-limited retrieval URL.
func (c *Client) Upload(ctx context.Context, documentID, filename, contentType string, reader io.Reader, size int64) (string, error) {
	name := objectName(documentID, filename)
	_, err := c.client.PutObject(ctx, c.bucket, name, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}

	url, err := c.client.PresignedGetObject(ctx, c.bucket, name, 7*24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign attachment url: %w", err)
	}
	return url.String(), nil
}

// Delete removes an attachment; the caller clears the document's file
// reference alongside.
func (c *Client) Delete(ctx context.Context, documentID, filename string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, objectName(documentID, filename), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}
