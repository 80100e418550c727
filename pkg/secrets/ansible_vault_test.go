package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	vault "github.com/sosedoff/ansible-vault-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnsibleVaultProvider_Get(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "vault.yml")
	content := "secret: test-secret-data\nport: 5432\npool:\n  primary: pg-password\n  hosts: [a, b]\n"
	require.NoError(t, vault.EncryptFile(fname, content, "password"))

	p, err := NewAnsibleVaultProvider(fname, "password")
	require.NoError(t, err)

	tbl := []struct {
		key, val string
		err      bool
	}{
		{key: "secret", val: "test-secret-data"},
		{key: "port", val: "5432"},
		{key: "pool.primary", val: "pg-password"},
		{key: "pool.hosts", err: true},
		{key: "pool", err: true},
		{key: "secret-2", err: true},
		{key: "secret.inner", err: true},
	}
	for _, tt := range tbl {
		t.Run(tt.key, func(t *testing.T) {
			val, err := p.Get(tt.key)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.val, val)
		})
	}

	_, err = p.Get("secret-2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAnsibleVaultProvider_Create(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "vault.yml")
	require.NoError(t, vault.EncryptFile(fname, "secret: value\n", "password"))
	invalid := filepath.Join(dir, "invalid.yml")
	require.NoError(t, vault.EncryptFile(invalid, "secret: [value\n", "password"))
	plain := filepath.Join(dir, "plain.yml")
	require.NoError(t, os.WriteFile(plain, []byte("secret: value\n"), 0o600))

	_, err := NewAnsibleVaultProvider(filepath.Join(dir, "missing.yml"), "password")
	assert.ErrorContains(t, err, "can't get fileinfo of")

	_, err = NewAnsibleVaultProvider(dir, "password")
	assert.EqualError(t, err, dir+" is not a regular file")

	_, err = NewAnsibleVaultProvider(fname, "wrong")
	assert.ErrorContains(t, err, "can't decrypt")

	_, err = NewAnsibleVaultProvider(plain, "password")
	assert.ErrorContains(t, err, "can't decrypt")

	_, err = NewAnsibleVaultProvider(invalid, "password")
	assert.ErrorContains(t, err, "can't unmarshal decrypted")
}
