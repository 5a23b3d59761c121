// internal/storage/local.go
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"mpcrelay/internal/fault"
)

// tempPrefix marks in-flight writes; escaped usernames never start with '.'
const tempPrefix = ".store-"

// LocalConfig holds the configuration for local filesystem storage
type LocalConfig struct {
	BaseDir string
}

// LocalStorage implements Backend on a directory named after the target
type LocalStorage struct {
	root   string
	target string
	logger *logrus.Logger
}

// NewLocalStorage creates a local backend rooted at baseDir/target and
// ensures the root directory exists
func NewLocalStorage(baseDir, target string, logger *logrus.Logger) (*LocalStorage, error) {
	if target == "" || strings.ContainsAny(target, "/\\") || target == "." || target == ".." {
		return nil, fmt.Errorf("%w: invalid local storage target %q", fault.ErrConfiguration, target)
	}
	s := &LocalStorage{
		root:   filepath.Join(baseDir, target),
		target: target,
		logger: logger,
	}
	if err := s.CreateContainer(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the directory holding the objects
func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) Provider() Provider {
	return ProviderLocal
}

func (s *LocalStorage) Target() string {
	return s.target
}

// path resolves key inside root, rejecting anything that would escape it
func (s *LocalStorage) path(key string) (string, error) {
	if key == "" || len(key) > MaxKeyLength || strings.ContainsAny(key, "/\\\x00") ||
		key == "." || key == ".." || strings.HasPrefix(key, tempPrefix) {
		return "", fmt.Errorf("%w: invalid object key %q", fault.ErrBadRequest, key)
	}
	return filepath.Join(s.root, key), nil
}

func (s *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.WithFields(logrus.Fields{
				"key":  key,
				"path": path,
			}).Debug("Object not found")
			return nil, fmt.Errorf("%w: %s", fault.ErrNotFound, key)
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"key":  key,
			"path": path,
		}).Error("Object read error")
		return nil, fmt.Errorf("%w: read %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(content),
	}).Debug("Object read")

	return content, nil
}

// Store writes content to a temp file in root and renames it over the
// destination, so readers see either the old or the new content
func (s *LocalStorage) Store(ctx context.Context, key string, content []byte, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.root, tempPrefix+"*")
	if err != nil {
		s.logger.WithError(err).WithField("root", s.root).Error("Failed to create temp file")
		return fmt.Errorf("%w: create temp file: %v", fault.ErrStorageUnavailable, err)
	}
	tempPath := f.Name()

	if _, err := f.Write(content); err != nil {
		f.Close()
		_ = os.Remove(tempPath)
		s.logger.WithError(err).WithField("path", tempPath).Error("Failed to write object content")
		return fmt.Errorf("%w: write %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	// Ensure the file is synced to disk before it becomes visible
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tempPath)
		s.logger.WithError(err).WithField("path", tempPath).Error("Failed to sync object to disk")
		return fmt.Errorf("%w: sync %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%w: close %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		s.logger.WithError(err).WithField("path", path).Error("Failed to rename temp file")
		return fmt.Errorf("%w: rename %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"key":          key,
		"content_type": contentType,
		"bytes":        len(content),
	}).Debug("Successfully stored object")
	return nil
}

func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if os.IsNotExist(err) {
		s.logger.WithField("key", key).Debug("Object does not exist")
		return false, nil
	}

	s.logger.WithError(err).WithFields(logrus.Fields{
		"key":  key,
		"path": path,
	}).Error("Error checking if object exists")

	return false, fmt.Errorf("%w: stat %s: %v", fault.ErrStorageUnavailable, key, err)
}

// CreateContainer creates the root directory if it is missing
func (s *LocalStorage) CreateContainer(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		s.logger.WithError(err).WithField("root", s.root).Error("Failed to create local storage directory")
		return fmt.Errorf("%w: create directory %s: %v", fault.ErrStorageUnavailable, s.root, err)
	}
	s.logger.WithField("root", s.root).Debug("Local storage directory ready")
	return nil
}

// DeleteByPrefix deletes all objects whose key starts with prefix
func (s *LocalStorage) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" || strings.ContainsAny(prefix, "/\\\x00") {
		return 0, fmt.Errorf("%w: invalid prefix %q", fault.ErrBadRequest, prefix)
	}
	s.logger.WithField("prefix", prefix).Info("Deleting objects by prefix")

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: list %s: %v", fault.ErrStorageUnavailable, s.root, err)
	}

	var deletedCount int
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deletedCount, fmt.Errorf("%w: %v", fault.ErrStorageUnavailable, err)
		}
		if err := os.Remove(filepath.Join(s.root, name)); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("key", name).Error("Failed to delete object")
			return deletedCount, fmt.Errorf("%w: delete %s: %v", fault.ErrStorageUnavailable, name, err)
		}
		deletedCount++
	}

	s.logger.WithFields(logrus.Fields{
		"prefix": prefix,
		"count":  deletedCount,
	}).Info("Finished deleting objects by prefix")

	return deletedCount, nil
}
