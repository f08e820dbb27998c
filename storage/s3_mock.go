package storage

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	Objects map[string]*MockObject // key: bucket/key
	Err     error

	GetObjectCalled  bool
	HeadObjectCalled bool
	PutObjectCalled  bool
	LastBucket       string
	LastKey          string
}

// MockObject is one stored object.
type MockObject struct {
	Content     string
	ContentType string
}

// NewMockS3Client creates an empty mock.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{Objects: make(map[string]*MockObject)}
}

// Add stores an object under bucket/key.
func (m *MockS3Client) Add(bucket, key, content, contentType string) {
	m.Objects[bucket+"/"+key] = &MockObject{Content: content, ContentType: contentType}
}

func (m *MockS3Client) lookup(bucket, key *string) (*MockObject, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if bucket != nil {
		m.LastBucket = *bucket
	}
	if key != nil {
		m.LastKey = *key
	}
	obj, ok := m.Objects[m.LastBucket+"/"+m.LastKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return obj, nil
}

// GetObject returns the stored object body.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetObjectCalled = true
	obj, err := m.lookup(params.Bucket, params.Key)
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(obj.Content)),
		ContentType:   aws.String(obj.ContentType),
		ContentLength: aws.Int64(int64(len(obj.Content))),
	}, nil
}

// HeadObject returns stored object metadata.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.HeadObjectCalled = true
	obj, err := m.lookup(params.Bucket, params.Key)
	if err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{
		ContentType:   aws.String(obj.ContentType),
		ContentLength: aws.Int64(int64(len(obj.Content))),
	}, nil
}

// PutObject stores an object.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err == nil {
			content = string(data)
		}
	}
	contentType := ""
	if params.ContentType != nil {
		contentType = *params.ContentType
	}
	m.Objects[m.LastBucket+"/"+m.LastKey] = &MockObject{Content: content, ContentType: contentType}
	return &s3.PutObjectOutput{}, nil
}
