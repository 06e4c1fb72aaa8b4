package objstore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PresignUpload returns a URL the browser can PUT the object to directly
func (c *Client) PresignUpload(ctx context.Context, bucket, key, contentType string) (*PresignedURL, error) {
	if err := c.checkObject(bucket, key); err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	start := time.Now()
	req, err := c.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(c.expiry))
	if err := c.observe("PresignPutObject", start, err); err != nil {
		return nil, err
	}

	return &PresignedURL{URL: req.URL, ExpiresAt: c.now().Add(c.expiry)}, nil
}

// PresignDownload returns a URL the browser can GET the object from
func (c *Client) PresignDownload(ctx context.Context, bucket, key string) (*PresignedURL, error) {
	if err := c.checkObject(bucket, key); err != nil {
		return nil, err
	}

	start := time.Now()
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.expiry))
	if err := c.observe("PresignGetObject", start, err); err != nil {
		return nil, err
	}

	return &PresignedURL{URL: req.URL, ExpiresAt: c.now().Add(c.expiry)}, nil
}
