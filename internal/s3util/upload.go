// Package s3util hosts generated report images in S3 and hands out
// time-limited presigned links to them.
package s3util

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultImageURLExpiry is how long a presigned image link stays valid.
const DefaultImageURLExpiry = 7 * 24 * time.Hour

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ImageUploader stores generated images under images/<uuid>.<ext> and returns
// presigned GET URLs. It satisfies chat.ImageSink.
type ImageUploader struct {
	client  PutObjectAPI
	presign *s3.PresignClient
	bucket  string
	prefix  string
	expiry  time.Duration
}

// NewImageUploader creates an uploader for the given bucket.
func NewImageUploader(client *s3.Client, bucket string) *ImageUploader {
	return newImageUploader(client, s3.NewPresignClient(client), bucket)
}

func newImageUploader(put PutObjectAPI, presign *s3.PresignClient, bucket string) *ImageUploader {
	return &ImageUploader{
		client:  put,
		presign: presign,
		bucket:  bucket,
		prefix:  "images/",
		expiry:  DefaultImageURLExpiry,
	}
}

// Bucket returns the destination bucket.
func (u *ImageUploader) Bucket() string { return u.bucket }

// StoreImage uploads the image and returns a presigned link to it.
func (u *ImageUploader) StoreImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	key := u.prefix + uuid.NewString() + extensionFor(mimeType)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &mimeType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image to S3: %w", err)
	}

	url, err := GeneratePresignedURL(ctx, u.presign, u.bucket, key, u.expiry)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("bucket", u.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Report image uploaded to S3")
	return url, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient *s3.PresignClient, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}
