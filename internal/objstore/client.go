// Package objstore presents an S3-compatible store as buckets of folders
// and files. Folders are key prefixes ending in "/".
package objstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	defaultPresignExpiry   = time.Hour
	defaultPreviewMaxBytes = 1 << 20
	maxListKeys            = 1000
	maxDeleteBatch         = 1000
)

// Options tune a Client
type Options struct {
	AllowedBuckets  []string
	PresignExpiry   time.Duration
	PreviewMaxBytes int64
	Observer        Observer
}

// Client performs file manager operations against S3
type Client struct {
	api       API
	presigner Presigner
	allowed   map[string]struct{}
	expiry    time.Duration
	maxBytes  int64
	observer  Observer
	now       func() time.Time
}

// NewClient wraps an S3 API and presigner
func NewClient(api API, presigner Presigner, opts Options) *Client {
	c := &Client{
		api:       api,
		presigner: presigner,
		expiry:    opts.PresignExpiry,
		maxBytes:  opts.PreviewMaxBytes,
		observer:  opts.Observer,
		now:       time.Now,
	}
	if c.expiry <= 0 {
		c.expiry = defaultPresignExpiry
	}
	if c.maxBytes <= 0 {
		c.maxBytes = defaultPreviewMaxBytes
	}
	if len(opts.AllowedBuckets) > 0 {
		c.allowed = make(map[string]struct{}, len(opts.AllowedBuckets))
		for _, b := range opts.AllowedBuckets {
			c.allowed[b] = struct{}{}
		}
	}
	return c
}

// NewFromConfig builds an SDK client from s3desk settings. Static keys are
// used when set; otherwise the default AWS credential chain applies.
func NewFromConfig(ctx context.Context, cfg config.S3Config, observer Observer) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		awsconfig.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	logrus.WithFields(logrus.Fields{
		"endpoint":        cfg.Endpoint,
		"region":          cfg.Region,
		"path_style":      cfg.ForcePathStyle,
		"allowed_buckets": cfg.AllowedBuckets,
	}).Info("S3 client configured")

	return NewClient(api, s3.NewPresignClient(api), Options{
		AllowedBuckets:  cfg.AllowedBuckets,
		PresignExpiry:   cfg.PresignExpiry,
		PreviewMaxBytes: cfg.PreviewMaxBytes,
		Observer:        observer,
	}), nil
}

// BucketAllowed reports whether bucket passes the allow-list
func (c *Client) BucketAllowed(bucket string) bool {
	if c.allowed == nil {
		return true
	}
	_, ok := c.allowed[bucket]
	return ok
}

func (c *Client) checkBucket(bucket string) error {
	if bucket == "" {
		return ErrBucketRequired
	}
	if !c.BucketAllowed(bucket) {
		return fmt.Errorf("%w: %s", ErrBucketNotAllowed, bucket)
	}
	return nil
}

func (c *Client) checkObject(bucket, key string) error {
	if err := c.checkBucket(bucket); err != nil {
		return err
	}
	return ValidateKey(key)
}

// observe reports an S3 call to the observer and maps its error
func (c *Client) observe(op string, start time.Time, err error) error {
	if c.observer != nil {
		c.observer(op, time.Since(start), err)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"operation": op,
			"error":     err.Error(),
		}).Debug("S3 call failed")
	}
	return mapError(op, err)
}
