package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type secretsManagerMock struct {
	values map[string]string
	calls  []string
}

func (m *secretsManagerMock) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls = append(m.calls, *params.SecretId)
	if *params.SecretId == "binary" {
		return &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1, 2}}, nil
	}
	v, ok := m.values[*params.SecretId]
	if !ok {
		return nil, errors.New("error 123")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}, nil
}

func TestAWSSecretsProvider_Get(t *testing.T) {
	a, err := NewAWSSecretsProvider("key", "secret", "us-east-1")
	require.NoError(t, err)
	mock := &secretsManagerMock{values: map[string]string{
		"plain": "test-secret",
		"rds":   `{"username":"app","password":"pg-password","port":5432}`,
	}}
	a.client = mock

	val, err := a.Get("plain")
	require.NoError(t, err)
	assert.Equal(t, "test-secret", val)

	val, err = a.Get("rds#password")
	require.NoError(t, err)
	assert.Equal(t, "pg-password", val)
	val, err = a.Get("rds#port")
	require.NoError(t, err)
	assert.Equal(t, "5432", val)

	_, err = a.Get("rds#host")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = a.Get("plain#password")
	assert.ErrorContains(t, err, "is not a json object")
	_, err = a.Get("binary")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = a.Get("missing")
	assert.EqualError(t, err, `can't read aws secret "missing": error 123`)

	assert.Equal(t, []string{"plain", "rds", "rds", "rds", "plain", "binary", "missing"}, mock.calls)
}
