package secrets

import (
	"fmt"
	"log"
	"os"
	"strings"

	vault "github.com/sosedoff/ansible-vault-go"
	"gopkg.in/yaml.v3"
)

// AnsibleVaultProvider reads secrets from a yaml file encrypted with ansible-vault.
// Nested values are addressed with dotted keys, like "pool.primary".
type AnsibleVaultProvider struct {
	data map[string]any
}

// NewAnsibleVaultProvider decrypts the vault file and parses its yaml content
func NewAnsibleVaultProvider(vaultPath, secret string) (*AnsibleVaultProvider, error) {
	fi, err := os.Stat(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("can't get fileinfo of %s: %w", vaultPath, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", vaultPath)
	}

	decrypted, err := vault.DecryptFile(vaultPath, secret)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt %s: %w", vaultPath, err)
	}
	data := map[string]any{}
	if err = yaml.Unmarshal([]byte(decrypted), &data); err != nil {
		return nil, fmt.Errorf("can't unmarshal decrypted %s: %w", vaultPath, err)
	}
	log.Printf("[INFO] ansible vault %s decrypted, %d keys", vaultPath, len(data))
	return &AnsibleVaultProvider{data: data}, nil
}

// Get returns value of the key, exact match first, then a dotted path into nested maps
func (p *AnsibleVaultProvider) Get(key string) (string, error) {
	if v, ok := p.data[key]; ok {
		return scalar(key, v)
	}
	var cur any = p.data
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("secret %q: %w", key, ErrNotFound)
		}
		if cur, ok = m[part]; !ok {
			return "", fmt.Errorf("secret %q: %w", key, ErrNotFound)
		}
	}
	return scalar(key, cur)
}

func scalar(key string, v any) (string, error) {
	switch v.(type) {
	case map[string]any, []any:
		return "", fmt.Errorf("secret %q is not a scalar", key)
	}
	return fmt.Sprintf("%v", v), nil
}
