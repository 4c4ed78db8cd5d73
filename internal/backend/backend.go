// Package backend wraps remote object stores behind one small capability:
// store a local file under a key and report the digest the store itself
// computed for what it persisted, and delete a stored object.
package backend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrInvalidDigest is returned when a store reports a digest that is not
	// a plain MD5, for example a multipart ETag.
	ErrInvalidDigest = errors.New("invalid content digest")

	// ErrUnknownType is returned by New for an unsupported backend type.
	ErrUnknownType = errors.New("unknown backend type")
)

// Digest is a lowercase hex MD5 content digest.
type Digest string

func (d Digest) String() string {
	return string(d)
}

// Backend is one remote storage destination.
type Backend interface {
	// Name is the configured backend name used as the catalog key.
	Name() string

	// Put uploads the file at localPath to key inside container and returns
	// the digest obtained from the store after the upload completed.
	Put(ctx context.Context, localPath string, container string, key string) (Digest, error)

	// Delete removes key from container. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, container string, key string) error
}

// FileMD5 computes the digest of the file at path.
func FileMD5(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// ParseETag converts a single-part S3 ETag into a Digest.
func ParseETag(etag string) (Digest, error) {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.ToLower(strings.Trim(etag, `"`))

	if len(etag) != md5.Size*2 {
		return "", fmt.Errorf("%w: etag %q", ErrInvalidDigest, etag)
	}
	if _, err := hex.DecodeString(etag); err != nil {
		return "", fmt.Errorf("%w: etag %q", ErrInvalidDigest, etag)
	}
	return Digest(etag), nil
}

// contentType guesses a content type from the key's extension.
func contentType(key string) string {
	switch strings.ToLower(key[strings.LastIndexByte(key, '.')+1:]) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "mp4":
		return "video/mp4"
	case "avi":
		return "video/x-msvideo"
	case "mov":
		return "video/quicktime"
	}
	return "application/octet-stream"
}
