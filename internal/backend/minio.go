package backend

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio talks to any S3-compatible endpoint through minio-go: MinIO,
// SeaweedFS, or the Google Cloud Storage XML interoperability endpoint with
// HMAC keys.
type Minio struct {
	name   string
	client *minio.Client
}

// NewMinio creates a minio-go backend from cfg.
func NewMinio(cfg Config) (*Minio, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, !cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:       secure,
		Region:       cfg.region(),
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: create minio client: %w", cfg.Name, err)
	}

	return &Minio{name: cfg.Name, client: client}, nil
}

func (m *Minio) Name() string {
	return m.name
}

// Put uploads in a single request so the stored ETag is the object's MD5,
// then reads the ETag back with a separate StatObject call.
func (m *Minio) Put(ctx context.Context, localPath string, container string, key string) (Digest, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	if _, err := m.client.PutObject(ctx, container, key, f, info.Size(), minio.PutObjectOptions{
		ContentType:      contentType(key),
		DisableMultipart: true,
	}); err != nil {
		return "", fmt.Errorf("put %s/%s: %w", container, key, err)
	}

	stat, err := m.client.StatObject(ctx, container, key, minio.StatObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("stat %s/%s: %w", container, key, err)
	}

	return ParseETag(stat.ETag)
}

func (m *Minio) Delete(ctx context.Context, container string, key string) error {
	if err := m.client.RemoveObject(ctx, container, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", container, key, err)
	}
	return nil
}

// splitEndpoint turns an endpoint into the host[:port] minio-go expects and
// whether TLS is used. A scheme in the endpoint wins over defaultSecure.
func splitEndpoint(endpoint string, defaultSecure bool) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), defaultSecure, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("endpoint %q has no host", endpoint)
	}

	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
}
