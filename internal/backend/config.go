package backend

import (
	"context"
	"fmt"
)

// Supported backend types.
const (
	TypeS3         = "s3"
	TypeMinio      = "minio"
	TypeFilesystem = "filesystem"
)

// Config describes how to reach one backend.
type Config struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Endpoint is a host[:port] or URL. Optional for s3, required for minio.
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	// Insecure selects plain HTTP when Endpoint carries no scheme.
	Insecure  bool `yaml:"insecure"`
	PathStyle bool `yaml:"path_style"`

	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`

	// Root is the mount directory of a filesystem backend.
	Root string `yaml:"root"`
}

// New builds the backend described by cfg.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("backend name must not be empty")
	}

	switch cfg.Type {
	case TypeS3:
		return NewS3(ctx, cfg)
	case TypeMinio:
		return NewMinio(cfg)
	case TypeFilesystem:
		return NewFilesystem(cfg.Name, cfg.Root)
	default:
		return nil, fmt.Errorf("backend %s: %w %q", cfg.Name, ErrUnknownType, cfg.Type)
	}
}

const defaultRegion = "us-east-1"

func (c Config) region() string {
	if c.Region == "" {
		return defaultRegion
	}
	return c.Region
}
