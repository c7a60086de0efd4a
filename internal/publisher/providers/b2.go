package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"
)

// B2 publishes to a Backblaze B2 bucket.
type B2 struct {
	bucket *b2.Bucket
	Prefix string
}

func NewB2(ctx context.Context, accountID, applicationKey, bucket, prefix string) (*B2, error) {
	if accountID == "" || applicationKey == "" || bucket == "" {
		return nil, errors.New("b2 account id, application key and bucket are required")
	}
	client, err := b2.NewClient(ctx, accountID, applicationKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	bkt, err := client.Bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", bucket, err)
	}
	return &B2{bucket: bkt, Prefix: prefix}, nil
}

func (b *B2) Name() string { return "b2://" + b.bucket.Name() + "/" + b.Prefix }

func (b *B2) Get(ctx context.Context, key string) ([]byte, error) {
	r := b.bucket.Object(objectKey(b.Prefix, key)).NewReader(ctx)
	defer r.Close()
	data, err := io.ReadAll(r)
	if b2.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return data, err
}

func (b *B2) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := b.bucket.Object(objectKey(b.Prefix, key)).NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{
		ContentType: contentType,
		Info:        map[string]string{"b2-cache-control": CacheControl},
	}))
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write b2 object %s: %w", key, err)
	}
	return w.Close()
}
