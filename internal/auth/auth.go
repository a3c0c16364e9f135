// Package auth maps static API keys to user identities.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned for a missing or unknown API key.
var ErrUnauthorized = errors.New("auth: missing or invalid API key")

// Header names the key may arrive in.
const (
	HeaderAPIKey   = "X-API-Key"
	HeaderAdminKey = "X-Admin-Key"
	QueryAPIKey    = "api_key"
)

// KeyStore resolves API keys. Keys are held only as SHA-256 digests.
type KeyStore struct {
	users map[[sha256.Size]byte]string
	admin []byte
}

// NewKeyStore builds a store from key -> user ID pairs. An empty adminKey
// disables admin access.
func NewKeyStore(keys map[string]string, adminKey string) *KeyStore {
	s := &KeyStore{users: make(map[[sha256.Size]byte]string, len(keys))}
	for key, user := range keys {
		if key == "" || user == "" {
			continue
		}
		s.users[sha256.Sum256([]byte(key))] = user
	}
	if adminKey != "" {
		sum := sha256.Sum256([]byte(adminKey))
		s.admin = sum[:]
	}
	return s
}

// Lookup returns the user ID for key.
func (s *KeyStore) Lookup(key string) (string, error) {
	if key == "" {
		return "", ErrUnauthorized
	}
	user, ok := s.users[sha256.Sum256([]byte(key))]
	if !ok {
		return "", ErrUnauthorized
	}
	return user, nil
}

// Authenticate extracts the key from r and resolves it.
func (s *KeyStore) Authenticate(r *http.Request) (string, error) {
	return s.Lookup(KeyFromRequest(r))
}

// IsAdmin reports whether r carries the admin key in X-Admin-Key.
func (s *KeyStore) IsAdmin(r *http.Request) bool {
	if s.admin == nil {
		return false
	}
	key := r.Header.Get(HeaderAdminKey)
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(sum[:], s.admin) == 1
}

// AdminEnabled reports whether an admin key is configured.
func (s *KeyStore) AdminEnabled() bool { return s.admin != nil }

// KeyFromRequest returns the API key from X-API-Key, a Bearer token or the
// api_key query parameter, in that order.
func KeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(QueryAPIKey))
}

type userKey struct{}

// WithUser stores the authenticated user ID in ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user ID stored by WithUser.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}
