// Package docker reads bootstrap credentials from docker secret files.
package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/docker"
)

const Name = "docker"

type dockerReader struct {
	dir string
}

// New returns a CredentialReader over the files in the docker secrets
// directory. A key is looked up as "<service>_<name>" and then "<name>".
func New(secretConfig map[string]interface{}) secrets.CredentialReader {
	return &dockerReader{dir: docker.SecretsDir(secretConfig)}
}

func (s *dockerReader) String() string {
	return Name
}

func (s *dockerReader) Get(ctx context.Context, key secrets.CredentialKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, id := range createSecretIds(key) {
		v, err := docker.ReadSecret(s.dir, id)
		if errors.Is(err, secrets.ErrSecretNotFound) {
			continue
		} else if err != nil {
			return "", err
		}
		if v == "" {
			continue
		}
		return v, nil
	}
	return "", secrets.ErrCredentialNotFound
}

func createSecretIds(key secrets.CredentialKey) []string {
	if key.Service == "" {
		return []string{key.Name}
	}
	return []string{fmt.Sprintf("%s_%s", key.Service, key.Name), key.Name}
}
