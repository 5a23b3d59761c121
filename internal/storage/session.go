package storage

import (
	"context"
)

// Session binds a Backend to one user for the lifetime of a request. Every
// key is namespaced with ObjectKey before any I/O and results are never
// un-prefixed, so writes and later reads of a logical key must go through
// sessions for the same user.
type Session struct {
	backend Backend
	user    string
}

// NewSession returns a Session for user on backend
func NewSession(backend Backend, user string) (*Session, error) {
	if err := ValidateUser(user); err != nil {
		return nil, err
	}
	return &Session{backend: backend, user: user}, nil
}

// User returns the session's user identity
func (s *Session) User() string {
	return s.user
}

// Get retrieves the artifact stored under key for this user
func (s *Session) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey, err := NamespacedKey(s.user, key)
	if err != nil {
		return nil, err
	}
	return s.backend.Get(ctx, objectKey)
}

// Store creates or replaces the artifact stored under key for this user
func (s *Session) Store(ctx context.Context, key string, content []byte, contentType string) error {
	objectKey, err := NamespacedKey(s.user, key)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	return s.backend.Store(ctx, objectKey, content, contentType)
}

// Exists reports whether key is stored for this user
func (s *Session) Exists(ctx context.Context, key string) (bool, error) {
	objectKey, err := NamespacedKey(s.user, key)
	if err != nil {
		return false, err
	}
	return s.backend.Exists(ctx, objectKey)
}

// Purge deletes every artifact in this user's namespace
func (s *Session) Purge(ctx context.Context) (int, error) {
	return s.backend.DeleteByPrefix(ctx, UserPrefix(s.user))
}
