// Package env reads bootstrap credentials from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/toruvault/secrets"
)

const Name = "env"

// Spec lists the environment variables read for the well known
// credentials.
type Spec struct {
	AccessToken    string `envconfig:"BWS_TOKEN"`
	OrganizationID string `envconfig:"ORGANIZATION_ID"`
	StateFile      string `envconfig:"STATE_FILE"`
	KeySalt        string `envconfig:"VAULT_KEY_SALT"`
}

type envStore struct {
	prefix string
}

// New returns a read-only credential reader over the environment. Well
// known credential names map onto the variables in Spec; any other name
// is upper-cased and, if prefix is set, prefixed with "<PREFIX>_".
func New(prefix string) secrets.CredentialReader {
	return &envStore{prefix: prefix}
}

// Load parses the well known variables in one pass.
func Load() (Spec, error) {
	var s Spec
	if err := envconfig.Process("", &s); err != nil {
		return Spec{}, fmt.Errorf("parsing credential environment: %w", err)
	}
	return s, nil
}

func (s *envStore) String() string {
	return Name
}

func (s *envStore) Get(ctx context.Context, key secrets.CredentialKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	spec, err := Load()
	if err != nil {
		return "", err
	}
	var v string
	switch key.Name {
	case secrets.CredentialAccessToken:
		v = spec.AccessToken
	case secrets.CredentialOrganizationID:
		v = spec.OrganizationID
	case secrets.CredentialStateFile:
		v = spec.StateFile
	case secrets.CredentialKeySalt:
		v = spec.KeySalt
	default:
		v = os.Getenv(s.variable(key.Name))
	}
	if v == "" {
		return "", secrets.ErrCredentialNotFound
	}
	return v, nil
}

func (s *envStore) variable(name string) string {
	name = strings.ToUpper(name)
	if s.prefix == "" {
		return name
	}
	return strings.ToUpper(s.prefix) + "_" + name
}
