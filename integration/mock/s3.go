package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client is an in-memory object store keyed by bucket/key.
type S3Client struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Buckets map[string]bool

	// FailPuts makes the next N PutObject calls fail, for exercising the
	// upload retry path.
	FailPuts int
	// Puts counts every PutObject call, including failed ones.
	Puts int
}

// NewS3Client creates a mock object store with the given buckets.
func NewS3Client(buckets ...string) *S3Client {
	m := &S3Client{
		Objects: make(map[string][]byte),
		Buckets: make(map[string]bool),
	}
	for _, b := range buckets {
		m.Buckets[b] = true
	}
	return m
}

// Object returns the stored bytes for bucket/key.
func (m *S3Client) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Objects[bucket+"/"+key]
	return data, ok
}

// PutObject implements aws.S3Client.
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Puts++
	if m.FailPuts > 0 {
		m.FailPuts--
		return nil, io.ErrUnexpectedEOF
	}
	bucket := awssdk.ToString(params.Bucket)
	if !m.Buckets[bucket] {
		return nil, fmt.Errorf("bucket %q does not exist", bucket)
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.Objects[bucket+"/"+awssdk.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

// HeadBucket implements aws.S3Client.
func (m *S3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Buckets[awssdk.ToString(params.Bucket)] {
		return nil, fmt.Errorf("bucket %q does not exist", awssdk.ToString(params.Bucket))
	}
	return &s3.HeadBucketOutput{}, nil
}
