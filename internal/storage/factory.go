package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"mpcrelay/internal/fault"
)

// Config selects and configures one storage backend
type Config struct {
	Provider Provider
	// Target is the bucket, container or directory name
	Target string
	// CreateTarget creates the target at startup when set
	CreateTarget bool
	Local        LocalConfig
	S3           S3Config
	GCS          GCSConfig
	Azure        AzureConfig
}

// ParseProvider resolves a configured provider name
func ParseProvider(name string) (Provider, error) {
	for _, p := range Providers {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown storage provider %q (must be one of local, aws, gcp, azure)", fault.ErrConfiguration, name)
}

// New builds the backend named by cfg.Provider. It is called once at
// startup; an unknown provider fails here rather than at first use.
func New(ctx context.Context, cfg Config, logger *logrus.Logger) (Backend, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: storage target is required", fault.ErrConfiguration)
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Provider {
	case ProviderLocal:
		backend, err = NewLocalStorage(cfg.Local.BaseDir, cfg.Target, logger)
	case ProviderAWS:
		backend, err = NewS3Storage(ctx, cfg.Target, &cfg.S3, logger)
	case ProviderGCP:
		backend, err = NewGCSStorage(ctx, cfg.Target, &cfg.GCS, logger)
	case ProviderAzure:
		backend, err = NewAzureStorage(cfg.Target, &cfg.Azure, logger)
	default:
		_, err = ParseProvider(string(cfg.Provider))
	}
	if err != nil {
		return nil, err
	}

	if cfg.CreateTarget {
		if err := backend.CreateContainer(ctx); err != nil {
			return nil, fmt.Errorf("create storage target %s: %w", cfg.Target, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"provider": backend.Provider(),
		"target":   backend.Target(),
	}).Info("Initialized storage backend")

	return backend, nil
}
