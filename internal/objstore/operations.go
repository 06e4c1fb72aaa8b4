package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// ListBuckets returns the buckets the allow-list permits
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	start := time.Now()
	out, err := c.api.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err := c.observe("ListBuckets", start, err); err != nil {
		return nil, err
	}

	buckets := make([]Bucket, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		name := aws.ToString(b.Name)
		if !c.BucketAllowed(name) {
			continue
		}
		buckets = append(buckets, Bucket{Name: name, CreationDate: b.CreationDate})
	}
	return buckets, nil
}

// ListObjects returns one level of the folder at prefix: subfolders first,
// then files. The folder's own marker object is left out.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix, continuationToken string) (*ListResult, error) {
	if err := c.checkBucket(bucket); err != nil {
		return nil, err
	}

	prefix = normalizePrefix(prefix)
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(Delimiter),
		MaxKeys:   aws.Int32(maxListKeys),
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}

	start := time.Now()
	out, err := c.api.ListObjectsV2(ctx, input)
	if err := c.observe("ListObjectsV2", start, err); err != nil {
		return nil, err
	}

	result := &ListResult{
		Objects:               make([]Object, 0, len(out.CommonPrefixes)+len(out.Contents)),
		Prefixes:              make([]string, 0, len(out.CommonPrefixes)),
		IsTruncated:           aws.ToBool(out.IsTruncated),
		NextContinuationToken: aws.ToString(out.NextContinuationToken),
	}

	for _, p := range out.CommonPrefixes {
		key := aws.ToString(p.Prefix)
		result.Prefixes = append(result.Prefixes, key)
		result.Objects = append(result.Objects, Object{
			Key:      key,
			Name:     strings.TrimSuffix(strings.TrimPrefix(key, prefix), Delimiter),
			IsFolder: true,
		})
	}

	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			continue
		}
		result.Objects = append(result.Objects, Object{
			Key:          key,
			Name:         strings.TrimPrefix(key, prefix),
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         aws.ToString(obj.ETag),
		})
	}

	return result, nil
}

// HeadObject returns the metadata of a single object
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (*Object, error) {
	if err := c.checkObject(bucket, key); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err := c.observe("HeadObject", start, err); err != nil {
		return nil, err
	}

	return &Object{
		Key:          key,
		Name:         baseName(key),
		Size:         out.ContentLength,
		LastModified: out.LastModified,
		ETag:         aws.ToString(out.ETag),
		ContentType:  aws.ToString(out.ContentType),
		IsFolder:     IsFolderKey(key),
	}, nil
}

// GetObjectContent reads a small object as text for previews
func (c *Client) GetObjectContent(ctx context.Context, bucket, key string) (*ObjectContent, error) {
	if err := c.checkObject(bucket, key); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err := c.observe("GetObject", start, err); err != nil {
		return nil, err
	}
	defer out.Body.Close()

	if aws.ToInt64(out.ContentLength) > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrContentTooLarge, aws.ToInt64(out.ContentLength), c.maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(out.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrContentTooLarge, c.maxBytes)
	}

	return &ObjectContent{
		Content:     string(body),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// CreateFolder writes the zero-byte marker object for path
func (c *Client) CreateFolder(ctx context.Context, bucket, path string) error {
	key := normalizePrefix(path)
	if err := c.checkObject(bucket, key); err != nil {
		return err
	}

	start := time.Now()
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	return c.observe("PutObject", start, err)
}

// DeleteObject deletes a file, or a folder with everything under it
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := c.checkObject(bucket, key); err != nil {
		return err
	}

	if IsFolderKey(key) {
		return c.DeleteObjects(ctx, bucket, []string{key})
	}

	start := time.Now()
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return c.observe("DeleteObject", start, err)
}

// DeleteObjects deletes keys in batches of 1000. Folder keys expand to
// every object under them.
func (c *Client) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	if err := c.checkBucket(bucket); err != nil {
		return err
	}

	expanded, err := c.expandKeys(ctx, bucket, keys)
	if err != nil {
		return err
	}
	if err := c.deleteKeys(ctx, bucket, expanded); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"bucket":  bucket,
		"count":   len(expanded),
		"request": len(keys),
	}).Debug("Deleted objects")

	return nil
}

// deleteKeys removes exactly the given keys, in batches of 1000, with no
// folder expansion.
func (c *Client) deleteKeys(ctx context.Context, bucket string, keys []string) error {
	for i := 0; i < len(keys); i += maxDeleteBatch {
		end := min(i+maxDeleteBatch, len(keys))

		ids := make([]types.ObjectIdentifier, 0, end-i)
		for _, key := range keys[i:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}

		start := time.Now()
		out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err := c.observe("DeleteObjects", start, err); err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("%w: %d failed, first %s: %s", ErrPartialDelete, len(out.Errors),
				aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// expandKeys validates keys and replaces folder keys with their contents
func (c *Client) expandKeys(ctx context.Context, bucket string, keys []string) ([]string, error) {
	seen := make(map[string]struct{}, len(keys))
	var out []string
	add := func(key string) {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}

	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
		if !IsFolderKey(key) {
			add(key)
			continue
		}
		children, err := c.listAll(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		add(key)
		for _, child := range children {
			add(child)
		}
	}
	return out, nil
}

// listAll returns every key under prefix, across all pages
func (c *Client) listAll(ctx context.Context, bucket, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(maxListKeys),
	})

	var keys []string
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		if err := c.observe("ListObjectsV2", start, err); err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// CopyObject copies a file, or a folder with everything under it
func (c *Client) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	pairs, err := c.planTransfer(ctx, srcBucket, srcKey, dstBucket, dstKey)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := c.copyOne(ctx, srcBucket, p[0], dstBucket, p[1]); err != nil {
			return err
		}
	}
	return nil
}

// MoveObject copies then deletes the source. Nothing is deleted unless
// every copy succeeded, and only the keys that were copied are deleted.
func (c *Client) MoveObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	pairs, err := c.planTransfer(ctx, srcBucket, srcKey, dstBucket, dstKey)
	if err != nil {
		return err
	}

	sources := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if err := c.copyOne(ctx, srcBucket, p[0], dstBucket, p[1]); err != nil {
			return err
		}
		sources = append(sources, p[0])
	}

	if len(sources) == 1 {
		start := time.Now()
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(srcBucket),
			Key:    aws.String(sources[0]),
		})
		return c.observe("DeleteObject", start, err)
	}
	return c.deleteKeys(ctx, srcBucket, sources)
}

// RenameObject moves an object to a new key in the same bucket
func (c *Client) RenameObject(ctx context.Context, bucket, oldKey, newKey string) error {
	return c.MoveObject(ctx, bucket, oldKey, bucket, newKey)
}

// planTransfer validates a copy or move and lists the (source, destination)
// key pairs it covers.
func (c *Client) planTransfer(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) ([][2]string, error) {
	if err := c.checkObject(srcBucket, srcKey); err != nil {
		return nil, err
	}
	if IsFolderKey(srcKey) {
		dstKey = normalizePrefix(dstKey)
	}
	if err := c.checkObject(dstBucket, dstKey); err != nil {
		return nil, err
	}

	if srcBucket == dstBucket {
		if srcKey == dstKey {
			return nil, fmt.Errorf("%w: source and destination are the same", ErrInvalidDestination)
		}
		if IsFolderKey(srcKey) && strings.HasPrefix(dstKey, srcKey) {
			return nil, fmt.Errorf("%w: cannot move a folder into itself", ErrInvalidDestination)
		}
	}

	if !IsFolderKey(srcKey) {
		return [][2]string{{srcKey, dstKey}}, nil
	}

	keys, err := c.listAll(ctx, srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, srcKey)
	}

	pairs := make([][2]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, [2]string{key, dstKey + strings.TrimPrefix(key, srcKey)})
	}
	return pairs, nil
}

func (c *Client) copyOne(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	start := time.Now()
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(srcBucket, srcKey)),
	})
	return c.observe("CopyObject", start, err)
}

// copySource encodes "bucket/key" as a single URL component
func copySource(bucket, key string) string {
	return url.PathEscape(bucket + "/" + key)
}
