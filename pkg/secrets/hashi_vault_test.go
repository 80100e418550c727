package secrets

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashiVaultProvider_Get(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/dbrelay":
			_, _ = w.Write([]byte(`{"data":{"data":{"pool.primary":"test-secret","pool.port":5432},"metadata":{"version":1}}}`))
		case "/v1/kv/dbrelay":
			_, _ = w.Write([]byte(`{"data":{"pool.primary":"v1-secret"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer ts.Close()

	p, err := NewHashiVaultProvider(ts.URL, "secret/data/dbrelay", "root-token")
	require.NoError(t, err)

	t.Run("kv v2", func(t *testing.T) {
		val, err := p.Get("pool.primary")
		require.NoError(t, err)
		assert.Equal(t, "test-secret", val)
	})

	t.Run("kv v1", func(t *testing.T) {
		v1, err := NewHashiVaultProvider(ts.URL, "kv/dbrelay", "root-token")
		require.NoError(t, err)
		val, err := v1.Get("pool.primary")
		require.NoError(t, err)
		assert.Equal(t, "v1-secret", val)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := p.Get("pool.secondary")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("not a string", func(t *testing.T) {
		_, err := p.Get("pool.port")
		assert.EqualError(t, err, "unexpected secret value format")
	})

	t.Run("missing path", func(t *testing.T) {
		other, err := NewHashiVaultProvider(ts.URL, "secret/data/other", "root-token")
		require.NoError(t, err)
		_, err = other.Get("pool.primary")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("invalid token", func(t *testing.T) {
		invalid, err := NewHashiVaultProvider(ts.URL, "secret/data/dbrelay", "bad-token")
		require.NoError(t, err)
		_, err = invalid.Get("pool.primary")
		assert.ErrorContains(t, err, "permission denied")
	})
}
