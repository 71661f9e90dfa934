package secrets

import (
	"context"
	"errors"
)

// ErrCredentialNotFound is returned by a CredentialStore that holds no
// value for the requested key.
var ErrCredentialNotFound = errors.New("credential not found")

// Well known credential names.
const (
	CredentialAccessToken    = "bws_token"
	CredentialOrganizationID = "organization_id"
	CredentialStateFile      = "state_file"
	CredentialKeySalt        = "key_salt"
)

// DefaultCredentialService is the service name used for keyring entries.
const DefaultCredentialService = "bitwarden_vault"

// CredentialKey addresses one bootstrap value in a credential store.
type CredentialKey struct {
	Service string
	Name    string
}

// Credentials are the bootstrap values consumed when constructing a source.
type Credentials struct {
	AccessToken    string
	OrganizationID string
	StateFile      string
}

// CredentialReader reads bootstrap values.
type CredentialReader interface {
	String() string
	Get(ctx context.Context, key CredentialKey) (string, error)
}

// CredentialStore reads and writes bootstrap values.
type CredentialStore interface {
	CredentialReader
	Set(ctx context.Context, key CredentialKey, value string) error
	Delete(ctx context.Context, key CredentialKey) error
}
