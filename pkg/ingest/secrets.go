package ingest

import (
	"os"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
)

// SecretStore resolves credential material referenced by source configs.
// Secrets are looked up at ingest time so rotated values take effect without
// a restart.
type SecretStore interface {
	Get(name string) (string, error)
}

// EnvSecretStore resolves secrets from environment variables.
type EnvSecretStore struct{}

func (EnvSecretStore) Get(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeConfig, "secret %q not set in environment", name)
	}
	return v, nil
}

// StaticSecretStore serves secrets from a fixed map. Intended for tests.
type StaticSecretStore map[string]string

func (s StaticSecretStore) Get(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeConfig, "secret %q not found", name)
	}
	return v, nil
}
