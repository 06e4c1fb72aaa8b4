package objstore

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrBucketRequired     = errors.New("bucket is required")
	ErrBucketNotAllowed   = errors.New("bucket is not allowed")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrObjectNotFound     = errors.New("object not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidKey         = errors.New("invalid object key")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrContentTooLarge    = errors.New("object is too large to preview")
	ErrPartialDelete      = errors.New("some objects could not be deleted")
)

// mapError wraps SDK errors so callers can test them with errors.Is
// against the package sentinels while keeping the original message.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return fmt.Errorf("%s: %w: %w", op, ErrObjectNotFound, err)
	case errors.As(err, &noSuchBucket):
		return fmt.Errorf("%s: %w: %w", op, ErrBucketNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w: %w", op, ErrObjectNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("%s: %w: %w", op, ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return fmt.Errorf("%s: %w: %w", op, ErrAccessDenied, err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
