package storage

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	mu sync.Mutex

	// Objects stores mock S3 objects keyed by object key.
	Objects map[string]*MockS3Object
	// Buckets stores known bucket names.
	Buckets map[string]bool
	// Err, when set, is returned from every operation.
	Err error

	// Call tracking.
	HeadBucketCalled   bool
	CreateBucketCalled bool
	PutObjectCalled    bool
	GetObjectCalled    bool
	HeadObjectCalled   bool

	// Last call parameters.
	LastBucket      string
	LastObjectKey   string
	LastContentType string
}

// MockS3Object is one stored mock object.
type MockS3Object struct {
	Key         string
	Content     string
	ContentType string
	Size        int64
}

// NewMockS3Client creates a mock with an empty object map.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket mocks checking bucket existence.
func (m *MockS3Client) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

// CreateBucket mocks creating a bucket.
func (m *MockS3Client) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateBucketCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.Buckets[*params.Bucket] = true
	}
	return &s3.CreateBucketOutput{}, nil
}

// PutObject mocks uploading an object.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if params.ContentType != nil {
		m.LastContentType = *params.ContentType
	}
	if m.Err != nil {
		return nil, m.Err
	}

	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err == nil {
			content = string(data)
		}
	}
	if params.Key != nil {
		obj := &MockS3Object{
			Key:     *params.Key,
			Content: content,
			Size:    int64(len(content)),
		}
		if params.ContentType != nil {
			obj.ContentType = *params.ContentType
		}
		m.Objects[*params.Key] = obj
	}
	return &s3.PutObjectOutput{}, nil
}

// GetObject mocks retrieving an object.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.GetObjectOutput{
				Body:          io.NopCloser(strings.NewReader(obj.Content)),
				ContentType:   aws.String(obj.ContentType),
				ContentLength: aws.Int64(obj.Size),
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

// HeadObject mocks retrieving object metadata. Missing keys come back
// as types.NotFound, matching the real HeadObject behavior.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.HeadObjectOutput{
				ContentType:   aws.String(obj.ContentType),
				ContentLength: aws.Int64(obj.Size),
			}, nil
		}
	}
	return nil, &types.NotFound{}
}

// The multipart methods exist to satisfy the upload manager; document
// blobs stay under its part-size threshold so they are never hit.

func (m *MockS3Client) UploadPart(_ context.Context, _ *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{}, nil
}

func (m *MockS3Client) CreateMultipartUpload(_ context.Context, _ *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mock-upload")}, nil
}

func (m *MockS3Client) CompleteMultipartUpload(_ context.Context, _ *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *MockS3Client) AbortMultipartUpload(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}
