package objstore

import (
	"fmt"
	"strings"
)

// MaxKeyLength is the longest key S3 accepts, in bytes
const MaxKeyLength = 1024

// Delimiter separates folder levels in keys
const Delimiter = "/"

// IsFolderKey reports whether key names a folder
func IsFolderKey(key string) bool {
	return strings.HasSuffix(key, Delimiter)
}

// ValidateKey rejects keys S3 would refuse or that would escape a folder
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	for _, segment := range strings.Split(key, Delimiter) {
		if segment == ".." || segment == "." {
			return fmt.Errorf("%w: key contains a relative path segment", ErrInvalidKey)
		}
	}
	return nil
}

// normalizePrefix makes a non-empty prefix end with the delimiter
func normalizePrefix(prefix string) string {
	if prefix != "" && !IsFolderKey(prefix) {
		return prefix + Delimiter
	}
	return prefix
}

// baseName returns the last path segment of key, ignoring a trailing slash
func baseName(key string) string {
	trimmed := strings.TrimSuffix(key, Delimiter)
	if i := strings.LastIndex(trimmed, Delimiter); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
