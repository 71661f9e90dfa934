package keyderiv

import (
	"context"
	"os"

	"github.com/toruvault/secrets"
)

// EnvKeySalt is the environment variable consulted for a key salt.
const EnvKeySalt = "VAULT_KEY_SALT"

// CredentialSalt reads the salt from a credential store, typically the OS
// keyring.
type CredentialSalt struct {
	Reader secrets.CredentialReader
	Key    secrets.CredentialKey
}

// NewCredentialSalt reads the default key_salt entry from reader.
func NewCredentialSalt(reader secrets.CredentialReader) *CredentialSalt {
	return &CredentialSalt{
		Reader: reader,
		Key: secrets.CredentialKey{
			Service: secrets.DefaultCredentialService,
			Name:    secrets.CredentialKeySalt,
		},
	}
}

func (c *CredentialSalt) Salt(ctx context.Context) ([]byte, error) {
	if c.Reader == nil {
		return nil, secrets.ErrCredentialNotFound
	}
	v, err := c.Reader.Get(ctx, c.Key)
	if err != nil {
		return nil, err
	}
	if v == "" {
		return nil, secrets.ErrCredentialNotFound
	}
	return []byte(v), nil
}

// EnvSalt reads the salt from an environment variable.
type EnvSalt string

func (e EnvSalt) Salt(_ context.Context) ([]byte, error) {
	name := string(e)
	if name == "" {
		name = EnvKeySalt
	}
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, secrets.ErrCredentialNotFound
	}
	return []byte(v), nil
}
