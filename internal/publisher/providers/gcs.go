package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCS publishes to a Google Cloud Storage bucket using application default
// credentials.
type GCS struct {
	client *storage.Client
	Bucket string
	Prefix string
}

func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, Bucket: bucket, Prefix: prefix}, nil
}

func (g *GCS) Name() string { return "gs://" + g.Bucket + "/" + g.Prefix }

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.client.Bucket(g.Bucket).Object(objectKey(g.Prefix, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Put uploads in a single object write; GCS swaps the object on Close.
func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.client.Bucket(g.Bucket).Object(objectKey(g.Prefix, key)).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = CacheControl
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", g.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}
