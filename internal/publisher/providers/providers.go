// Package providers are the places release records are published to.
package providers

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dar-k-dev/p-progress/internal/config"
)

// ErrNotExist is returned by Get when the object is absent.
var ErrNotExist = errors.New("object does not exist")

const (
	ContentTypeJSON = "application/json"
	CacheControl    = "no-cache"
)

// Target stores published objects. Put replaces an object in one step:
// readers see either the previous or the new content.
type Target interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// New builds the target described by cfg.
func New(ctx context.Context, cfg config.TargetConfig) (Target, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(cfg.Path)
	case "s3":
		return NewS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Region, cfg.Endpoint)
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, cfg.Prefix)
	case "azblob":
		return NewAzureBlob(cfg.ConnectionString, cfg.Bucket, cfg.Prefix)
	case "b2":
		return NewB2(ctx, cfg.AccountID, cfg.ApplicationKey, cfg.Bucket, cfg.Prefix)
	}
	return nil, fmt.Errorf("unknown target type %q", cfg.Type)
}

// objectKey joins an object-store prefix and key with forward slashes.
func objectKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
