// Package secrets provides pool credentials by key. Providers: memory, internal (encrypted in a database),
// hashicorp vault, aws secrets manager and ansible-vault file.
package secrets

import "errors"

// ErrNotFound returned by providers for unknown keys
var ErrNotFound = errors.New("secret not found")

// NoOpProvider fails on every key
type NoOpProvider struct{}

// Get returns an error on every key
func (p *NoOpProvider) Get(key string) (string, error) {
	return "", errors.New("no secrets provider, can't get " + key)
}
