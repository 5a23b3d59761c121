package storage

import (
	"fmt"
	"strings"

	"mpcrelay/internal/fault"
)

// KeySeparator joins the escaped username and the artifact key
const KeySeparator = "_"

// MaxKeyLength bounds artifact keys and the namespaced object key. The local
// backend stores each object key as one file name.
const MaxKeyLength = 255

const upperhex = "0123456789ABCDEF"

func unreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '-' || c == '@'
}

// EscapeUser percent-encodes every byte of user outside [A-Za-z0-9-@].
// The result never contains KeySeparator, '/' or '.', which keeps
// ObjectKey injective and local paths inside their root.
func EscapeUser(user string) string {
	var b strings.Builder
	b.Grow(len(user))
	for i := 0; i < len(user); i++ {
		c := user[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// UserPrefix returns the namespace prefix shared by every key of user
func UserPrefix(user string) string {
	return EscapeUser(user) + KeySeparator
}

// ObjectKey returns the storage key for (user, key). Distinct pairs always
// map to distinct storage keys.
func ObjectKey(user, key string) string {
	return UserPrefix(user) + key
}

// ValidateUser checks a user identity before it is used as a namespace
func ValidateUser(user string) error {
	if user == "" {
		return fmt.Errorf("%w: user is required", fault.ErrBadRequest)
	}
	if len(UserPrefix(user)) >= MaxKeyLength {
		return fmt.Errorf("%w: escaped user exceeds %d bytes", fault.ErrBadRequest, MaxKeyLength-2)
	}
	return nil
}

// NamespacedKey validates key and returns the object key of (user, key)
func NamespacedKey(user, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	objectKey := ObjectKey(user, key)
	if len(objectKey) > MaxKeyLength {
		return "", fmt.Errorf("%w: key %q exceeds %d bytes once namespaced", fault.ErrBadRequest, key, MaxKeyLength)
	}
	return objectKey, nil
}

// ValidateKey checks an artifact key. Keys are flat: no path separators.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", fault.ErrBadRequest)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key exceeds %d bytes", fault.ErrBadRequest, MaxKeyLength)
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("%w: key %q contains a path separator or NUL", fault.ErrBadRequest, key)
	case key == "." || key == "..":
		return fmt.Errorf("%w: key %q is reserved", fault.ErrBadRequest, key)
	}
	return nil
}
