// Package storage implements the object-store driver that commits render
// output to the configured s3:// bucket. Uploads key on the object name
// alone, so re-running a task overwrites its previous output
// deterministically.
package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gurre/brenda/aws"
	"github.com/gurre/brenda/config"
)

// Uploader puts files at {prefix}{name} in the output bucket.
type Uploader struct {
	client aws.S3Client
	bucket string
	prefix string
}

// NewUploader parses the output URL and returns an uploader for it.
func NewUploader(client aws.S3Client, outputURL string) (*Uploader, error) {
	bucket, prefix, err := config.ParseS3URL(outputURL)
	if err != nil {
		return nil, err
	}
	return &Uploader{client: client, bucket: bucket, prefix: prefix}, nil
}

// Validate checks that the output bucket exists and is reachable.
func (u *Uploader) Validate(ctx context.Context) error {
	_, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &u.bucket})
	if err != nil {
		return fmt.Errorf("output bucket %q is not accessible: %w", u.bucket, err)
	}
	return nil
}

// Upload puts the file at path under the object name. Overwrites any
// previous object at the same key.
func (u *Uploader) Upload(ctx context.Context, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	key := u.prefix + name
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", path, u.URL(name), err)
	}
	return nil
}

// URL returns the object-store URL an uploaded name lands at.
func (u *Uploader) URL(name string) string {
	return config.FormatS3URL(u.bucket, u.prefix, name)
}
