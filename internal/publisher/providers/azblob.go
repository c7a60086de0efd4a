package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlob publishes to an Azure Storage container.
type AzureBlob struct {
	client    *azblob.Client
	Container string
	Prefix    string
}

func NewAzureBlob(connectionString, container, prefix string) (*AzureBlob, error) {
	if connectionString == "" || container == "" {
		return nil, errors.New("azblob connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureBlob{client: client, Container: container, Prefix: prefix}, nil
}

func (a *AzureBlob) Name() string { return "azblob://" + a.Container + "/" + a.Prefix }

func (a *AzureBlob) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.Container, objectKey(a.Prefix, key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (a *AzureBlob) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cacheControl := CacheControl
	_, err := a.client.UploadBuffer(ctx, a.Container, objectKey(a.Prefix, key), data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType:  &contentType,
			BlobCacheControl: &cacheControl,
		},
	})
	return err
}
