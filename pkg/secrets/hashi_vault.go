package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"
)

// HashiVaultProvider reads secrets from a single path of hashicorp vault, kv v2 or v1 engine
type HashiVaultProvider struct {
	client  *api.Client
	path    string
	timeout time.Duration
}

// NewHashiVaultProvider makes vault provider for the path, like "secret/data/dbrelay"
func NewHashiVaultProvider(addr, path, token string) (*HashiVaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("can't make vault client: %w", err)
	}
	client.SetToken(token)
	return &HashiVaultProvider{client: client, path: path, timeout: 10 * time.Second}, nil
}

// Get reads the path and returns the key of its data
func (p *HashiVaultProvider) Get(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	secret, err := p.client.Logical().ReadWithContext(ctx, p.path)
	if err != nil {
		return "", fmt.Errorf("can't read vault path %s: %w", p.path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s: %w", p.path, ErrNotFound)
	}

	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]any); ok { // kv v2 wraps values
		data = nested
	}
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", key, ErrNotFound)
	}
	value, ok := raw.(string)
	if !ok {
		return "", errors.New("unexpected secret value format")
	}
	return value, nil
}
