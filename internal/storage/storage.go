package storage

import (
	"context"
)

// Provider names a storage backend variant
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
	ProviderAzure Provider = "azure"
)

// Providers lists every supported provider
var Providers = []Provider{ProviderLocal, ProviderAWS, ProviderGCP, ProviderAzure}

// DefaultContentType is used when a caller stores without a content type
const DefaultContentType = "text/plain"

// Backend defines the interface for storage backends.
//
// Keys passed to a Backend are already namespaced; callers normally go
// through a Session. Provider errors are collapsed to fault.ErrNotFound
// (Get only) and fault.ErrStorageUnavailable.
type Backend interface {
	// Get retrieves the full content stored under key
	Get(ctx context.Context, key string) ([]byte, error)
	// Store creates or fully replaces the content under key
	Store(ctx context.Context, key string, content []byte, contentType string) error
	// Exists checks if key is present; absence is not an error
	Exists(ctx context.Context, key string) (bool, error)
	// CreateContainer creates the storage target; repeated calls are no-ops
	CreateContainer(ctx context.Context) error
	// DeleteByPrefix deletes every object whose key starts with prefix
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	// Provider returns the backend variant
	Provider() Provider
	// Target returns the bucket, container or directory name
	Target() string
}
