package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"mpcrelay/internal/fault"
)

// GCSConfig holds the configuration for Google Cloud Storage
type GCSConfig struct {
	// ProjectID is only needed to create the bucket
	ProjectID string
	// CredentialsFile is optional; application default credentials are used otherwise
	CredentialsFile string
	// Endpoint overrides the JSON API endpoint, e.g. an emulator. Without a
	// credentials file the client then runs unauthenticated.
	Endpoint string
}

// GCSStorage implements Backend for Google Cloud Storage
type GCSStorage struct {
	client    *gcs.Client
	bucket    string
	projectID string
	logger    *logrus.Logger
}

// NewGCSStorage creates a new GCS storage instance for bucket
func NewGCSStorage(ctx context.Context, bucket string, cfg *GCSConfig, logger *logrus.Logger) (*GCSStorage, error) {
	if cfg == nil {
		return nil, errors.New("GCS config cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: GCS bucket is required", fault.ErrConfiguration)
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if cfg.CredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCS client: %v", fault.ErrConfiguration, err)
	}

	return &GCSStorage{
		client:    client,
		bucket:    bucket,
		projectID: cfg.ProjectID,
		logger:    logger,
	}, nil
}

func (s *GCSStorage) Provider() Provider {
	return ProviderGCP
}

func (s *GCSStorage) Target() string {
	return s.bucket
}

// Close releases the underlying client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", fault.ErrNotFound, key)
		}
		s.logger.WithError(err).WithField("key", key).Error("Failed to get object from GCS")
		return nil, fmt.Errorf("%w: get object %s: %v", fault.ErrStorageUnavailable, key, err)
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read object %s: %v", fault.ErrStorageUnavailable, key, err)
	}
	return content, nil
}

// Store uploads an object. GCS only commits the object when the writer
// closes successfully, so a failed upload leaves the previous content.
func (s *GCSStorage) Store(ctx context.Context, key string, content []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return fmt.Errorf("%w: write object %s: %v", fault.ErrStorageUnavailable, key, err)
	}
	if err := w.Close(); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to upload object to GCS")
		return fmt.Errorf("%w: upload object %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	s.logger.WithField("key", key).Info("Successfully uploaded object to GCS")
	return nil
}

func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: check if object %s exists: %v", fault.ErrStorageUnavailable, key, err)
	}
	return true, nil
}

func (s *GCSStorage) CreateContainer(ctx context.Context) error {
	if s.projectID == "" {
		return fmt.Errorf("%w: GCS project id is required to create bucket %s", fault.ErrConfiguration, s.bucket)
	}
	err := s.client.Bucket(s.bucket).Create(ctx, s.projectID, nil)
	if err != nil {
		if isGCSConflict(err) {
			s.logger.WithField("bucket", s.bucket).Debug("Bucket already exists")
			return nil
		}
		return fmt.Errorf("%w: create bucket %s: %v", fault.ErrStorageUnavailable, s.bucket, err)
	}

	s.logger.WithField("bucket", s.bucket).Info("Created GCS bucket")
	return nil
}

func (s *GCSStorage) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	s.logger.WithField("prefix", prefix).Info("Deleting objects by prefix")

	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, &gcs.Query{Prefix: prefix})

	var deletedCount int
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return deletedCount, fmt.Errorf("%w: list objects %s: %v", fault.ErrStorageUnavailable, prefix, err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return deletedCount, fmt.Errorf("%w: delete object %s: %v", fault.ErrStorageUnavailable, attrs.Name, err)
		}
		deletedCount++
	}

	s.logger.WithFields(logrus.Fields{
		"prefix": prefix,
		"count":  deletedCount,
	}).Info("Finished deleting objects by prefix")
	return deletedCount, nil
}

func isGCSConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}
