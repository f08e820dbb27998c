package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dealdesk.io/common"
	"dealdesk.io/retry"
)

// gcsInteropEndpoint is the S3-compatible XML API of Google Cloud
// Storage, authenticated with HMAC keys.
const gcsInteropEndpoint = "https://storage.googleapis.com"

// ObjectRef is a parsed gs:// path.
type ObjectRef struct {
	Bucket string
	Key    string
}

// ParseGSPath splits a gs://bucket/key path.
func ParseGSPath(path string) (ObjectRef, error) {
	rest, ok := strings.CutPrefix(path, "gs://")
	if !ok {
		return ObjectRef{}, fmt.Errorf("storage: not a gs:// path: %q", path)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return ObjectRef{}, fmt.Errorf("storage: malformed object path: %q", path)
	}
	return ObjectRef{Bucket: bucket, Key: key}, nil
}

// ObjectStore downloads documents for parsing. Objects above the size
// limit are rejected before the body is read.
type ObjectStore struct {
	client       S3Client
	maxSizeBytes int64
}

// NewObjectStore wraps an S3-compatible client.
func NewObjectStore(client S3Client, maxSizeBytes int64) *ObjectStore {
	return &ObjectStore{client: client, maxSizeBytes: maxSizeBytes}
}

// NewGCSClient builds an S3 client against the GCS interoperability
// endpoint using HMAC credentials. An empty endpoint override keeps the
// default; tests and development point it at MinIO.
func NewGCSClient(ctx context.Context, accessKey, secretKey, endpoint string) (S3Client, error) {
	if endpoint == "" {
		endpoint = gcsInteropEndpoint
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true // required for MinIO and the GCS XML API
		o.HTTPClient = &http.Client{}
	})
	return client, nil
}

// Fetch downloads an object by its gs:// path and returns its bytes and
// content type. Oversize objects fail with the non-retryable too-large
// sentinel.
func (o *ObjectStore) Fetch(ctx context.Context, gsPath string) ([]byte, string, error) {
	ref, err := ParseGSPath(gsPath)
	if err != nil {
		return nil, "", err
	}

	head, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		if isObjectMissing(err) {
			return nil, "", fmt.Errorf("storage: head %s: %w", gsPath, retry.ErrFileNotFound)
		}
		return nil, "", fmt.Errorf("storage: head %s: %w", gsPath, err)
	}
	if o.maxSizeBytes > 0 && head.ContentLength != nil && *head.ContentLength > o.maxSizeBytes {
		return nil, "", fmt.Errorf("storage: object %s is %d bytes: %w",
			gsPath, *head.ContentLength, retry.ErrFileTooLarge)
	}

	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		if isObjectMissing(err) {
			return nil, "", fmt.Errorf("storage: get %s: %w", gsPath, retry.ErrFileNotFound)
		}
		return nil, "", fmt.Errorf("storage: get %s: %w", gsPath, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("storage: read %s: %w", gsPath, err)
	}

	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	common.Logger.WithField("path", gsPath).WithField("bytes", len(data)).Debug("object fetched")
	return data, contentType, nil
}

// isObjectMissing reports whether the S3 error is a missing-object
// response: NoSuchKey from GetObject, NotFound from HeadObject.
func isObjectMissing(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// Put uploads an object, used by fixture tooling and tests.
func (o *ObjectStore) Put(ctx context.Context, gsPath string, data []byte, contentType string) error {
	ref, err := ParseGSPath(gsPath)
	if err != nil {
		return err
	}
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ref.Bucket),
		Key:         aws.String(ref.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", gsPath, err)
	}
	return nil
}
