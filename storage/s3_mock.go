package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"rag.evalgo.org/common"
)

// MockS3Client is an in-memory S3Client for testing
type MockS3Client struct {
	mu sync.Mutex
	// Objects maps key to stored bytes
	Objects map[string][]byte
	// Buckets tracks created buckets
	Buckets map[string]bool
	// Errors to return from operations
	HeadBucketErr error
	PutErr        error
	GetErr        error
	DeleteErr     error
	// Track function calls
	PutCalled    bool
	GetCalled    bool
	DeleteCalled bool
}

// NewMockS3Client creates a mock with an existing default bucket
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string][]byte),
		Buckets: map[string]bool{"test-bucket": true},
	}
}

// HeadBucket reports whether the bucket exists
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HeadBucketErr != nil {
		return nil, m.HeadBucketErr
	}
	if !m.Buckets[aws.ToString(params.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

// PutObject stores the object bytes in memory
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalled = true
	if m.PutErr != nil {
		return nil, m.PutErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.Objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject returns the stored bytes
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalled = true
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	data, ok := m.Objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// DeleteObject removes the stored bytes
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalled = true
	if m.DeleteErr != nil {
		return nil, m.DeleteErr
	}
	delete(m.Objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// CreateBucket records the bucket
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Buckets[aws.ToString(params.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

// MemoryBlobStore is a BlobStore over a plain map, for tests that do not
// need the S3 wire shapes.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, common.E(common.KindNotFound, "BLOB_NOT_FOUND", "object "+key+" does not exist")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBlobStore) Ping(ctx context.Context) error { return nil }

// Len reports the number of stored objects.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ BlobStore = (*MemoryBlobStore)(nil)
