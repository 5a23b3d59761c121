package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/sirupsen/logrus"

	"mpcrelay/internal/fault"
)

// AzureConfig holds the configuration for Azure Blob Storage
type AzureConfig struct {
	ConnectionString string
}

// AzureStorage implements Backend for Azure Blob Storage
type AzureStorage struct {
	client    *azblob.Client
	container string
	logger    *logrus.Logger
}

// NewAzureStorage creates a new Azure storage instance for container
func NewAzureStorage(container string, cfg *AzureConfig, logger *logrus.Logger) (*AzureStorage, error) {
	if cfg == nil {
		return nil, errors.New("Azure config cannot be nil")
	}
	if container == "" {
		return nil, fmt.Errorf("%w: Azure container is required", fault.ErrConfiguration)
	}
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("%w: AZURE_STORAGE_CONNECTION_STRING is required", fault.ErrConfiguration)
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Azure client: %v", fault.ErrConfiguration, err)
	}

	return &AzureStorage{
		client:    client,
		container: container,
		logger:    logger,
	}, nil
}

func (s *AzureStorage) Provider() Provider {
	return ProviderAzure
}

func (s *AzureStorage) Target() string {
	return s.container
}

func (s *AzureStorage) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", fault.ErrNotFound, key)
		}
		s.logger.WithError(err).WithField("key", key).Error("Failed to download blob")
		return nil, fmt.Errorf("%w: download blob %s: %v", fault.ErrStorageUnavailable, key, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob %s: %v", fault.ErrStorageUnavailable, key, err)
	}
	return content, nil
}

// Store uploads a block blob, overwriting any existing blob
func (s *AzureStorage) Store(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := s.client.UploadBuffer(ctx, s.container, key, content, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to upload blob")
		return fmt.Errorf("%w: upload blob %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	s.logger.WithField("key", key).Info("Successfully uploaded blob to Azure")
	return nil
}

func (s *AzureStorage) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: check if blob %s exists: %v", fault.ErrStorageUnavailable, key, err)
	}
	return true, nil
}

func (s *AzureStorage) CreateContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil {
		if isAzureConflict(err) {
			s.logger.WithField("container", s.container).Debug("Container already exists")
			return nil
		}
		return fmt.Errorf("%w: create container %s: %v", fault.ErrStorageUnavailable, s.container, err)
	}

	s.logger.WithField("container", s.container).Info("Created Azure container")
	return nil
}

func (s *AzureStorage) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	s.logger.WithField("prefix", prefix).Info("Deleting blobs by prefix")

	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var deletedCount int
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return deletedCount, fmt.Errorf("%w: list blobs %s: %v", fault.ErrStorageUnavailable, prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			_, err := s.client.DeleteBlob(ctx, s.container, *item.Name, nil)
			if err != nil && !isAzureNotFound(err) {
				return deletedCount, fmt.Errorf("%w: delete blob %s: %v", fault.ErrStorageUnavailable, *item.Name, err)
			}
			deletedCount++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"prefix": prefix,
		"count":  deletedCount,
	}).Info("Finished deleting blobs by prefix")
	return deletedCount, nil
}

func isAzureNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound)
}

func isAzureConflict(err error) bool {
	return bloberror.HasCode(err, bloberror.ContainerAlreadyExists)
}
