package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretsProvider reads secrets from aws secrets manager. A key "name#field" picks a field of
// a json secret, like the ones secrets manager makes for database credentials.
type AWSSecretsProvider struct {
	client  secretsManagerClient
	timeout time.Duration
}

type secretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAWSSecretsProvider makes provider for the region with static credentials.
// Empty access key falls back to the default credentials chain.
func NewAWSSecretsProvider(accessKeyID, secretAccessKey, region string) (*AWSSecretsProvider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("can't make aws config: %w", err)
	}
	return &AWSSecretsProvider{client: secretsmanager.NewFromConfig(cfg), timeout: 30 * time.Second}, nil
}

// Get reads the secret string, or a field of it for "name#field" keys
func (p *AWSSecretsProvider) Get(key string) (string, error) {
	name, field, hasField := strings.Cut(key, "#")
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	result, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", fmt.Errorf("can't read aws secret %q: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("aws secret %q has no string value: %w", name, ErrNotFound)
	}
	if !hasField {
		return *result.SecretString, nil
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(*result.SecretString), &fields); err != nil {
		return "", fmt.Errorf("aws secret %q is not a json object: %w", name, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("field %q of aws secret %q: %w", field, name, ErrNotFound)
	}
	return fmt.Sprintf("%v", v), nil
}
