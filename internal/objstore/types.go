package objstore

import (
	"context"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Bucket is a bucket visible to s3desk users
type Bucket struct {
	Name         string     `json:"name"`
	CreationDate *time.Time `json:"creationDate,omitempty"`
}

// Object is either a file or a folder in a listing
type Object struct {
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	Size         *int64     `json:"size,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	ETag         string     `json:"etag,omitempty"`
	ContentType  string     `json:"contentType,omitempty"`
	IsFolder     bool       `json:"isFolder"`
}

// ListResult is one page of a folder listing
type ListResult struct {
	Objects               []Object `json:"objects"`
	Prefixes              []string `json:"prefixes"`
	IsTruncated           bool     `json:"isTruncated"`
	NextContinuationToken string   `json:"nextContinuationToken,omitempty"`
}

// ObjectContent is the body of a small object, returned for previews
type ObjectContent struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// PresignedURL is a time-limited URL for direct browser access
type PresignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ProgressFunc receives the bytes sent so far and the total size
type ProgressFunc func(loaded, total int64)

// Observer is told about every S3 call, for metrics
type Observer func(operation string, duration time.Duration, err error)

// API is the subset of the S3 client used by Client
type API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Presigner is the subset of s3.PresignClient used by Client
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}
