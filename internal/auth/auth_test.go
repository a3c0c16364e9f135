package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *KeyStore {
	return NewKeyStore(map[string]string{"key-alice": "alice", "key-bob": "bob", "": "nobody"}, "admin-secret")
}

func TestKeyStore_Lookup(t *testing.T) {
	s := newStore()

	user, err := s.Lookup("key-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = s.Lookup("key-mallory")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = s.Lookup("")
	assert.ErrorIs(t, err, ErrUnauthorized, "empty keys never match")
}

func TestKeyFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		target string
		want   string
	}{
		{"x-api-key header", map[string]string{"X-API-Key": "key-alice"}, "/", "key-alice"},
		{"bearer token", map[string]string{"Authorization": "Bearer key-bob"}, "/", "key-bob"},
		{"bearer is case insensitive", map[string]string{"Authorization": "bearer key-bob"}, "/", "key-bob"},
		{"query parameter", nil, "/?api_key=key-alice", "key-alice"},
		{"header wins over query", map[string]string{"X-API-Key": "key-bob"}, "/?api_key=key-alice", "key-bob"},
		{"basic auth is ignored", map[string]string{"Authorization": "Basic abc"}, "/", ""},
		{"nothing", nil, "/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, KeyFromRequest(r))
		})
	}
}

func TestKeyStore_Authenticate(t *testing.T) {
	s := newStore()

	r := httptest.NewRequest("GET", "/?api_key=key-bob", nil)
	user, err := s.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	_, err = s.Authenticate(httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestKeyStore_IsAdmin(t *testing.T) {
	s := newStore()
	assert.True(t, s.AdminEnabled())

	r := httptest.NewRequest("GET", "/", nil)
	assert.False(t, s.IsAdmin(r))

	r.Header.Set(HeaderAdminKey, "wrong")
	assert.False(t, s.IsAdmin(r))

	r.Header.Set(HeaderAdminKey, "admin-secret")
	assert.True(t, s.IsAdmin(r))

	disabled := NewKeyStore(nil, "")
	assert.False(t, disabled.AdminEnabled())
	assert.False(t, disabled.IsAdmin(r))
}

func TestUserContext(t *testing.T) {
	_, ok := UserFrom(context.Background())
	assert.False(t, ok)

	id, ok := UserFrom(WithUser(context.Background(), "alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
}
