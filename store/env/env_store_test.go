package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toruvault/secrets"
)

func TestWellKnownNames(t *testing.T) {
	t.Setenv("BWS_TOKEN", "token-1")
	t.Setenv("ORGANIZATION_ID", "org-1")
	t.Setenv("STATE_FILE", "/tmp/state")
	t.Setenv("VAULT_KEY_SALT", "salt-1")

	s := New("")
	cases := map[string]string{
		secrets.CredentialAccessToken:    "token-1",
		secrets.CredentialOrganizationID: "org-1",
		secrets.CredentialStateFile:      "/tmp/state",
		secrets.CredentialKeySalt:        "salt-1",
	}
	for name, expected := range cases {
		v, err := s.Get(context.Background(), secrets.CredentialKey{Name: name})
		require.NoError(t, err, name)
		assert.Equal(t, expected, v, name)
	}
	assert.Equal(t, Name, s.String())
}

func TestMissingAndEmpty(t *testing.T) {
	t.Setenv("BWS_TOKEN", "")
	s := New("")
	_, err := s.Get(context.Background(), secrets.CredentialKey{Name: secrets.CredentialAccessToken})
	require.ErrorIs(t, err, secrets.ErrCredentialNotFound)

	_, err = s.Get(context.Background(), secrets.CredentialKey{Name: "toruvault_never_set"})
	require.ErrorIs(t, err, secrets.ErrCredentialNotFound)
}

func TestPrefixedNames(t *testing.T) {
	t.Setenv("APP_API_URL", "https://vault.example.com")
	v, err := New("app").Get(context.Background(), secrets.CredentialKey{Name: "api_url"})
	require.NoError(t, err)
	assert.Equal(t, "https://vault.example.com", v)
}

func TestLoad(t *testing.T) {
	t.Setenv("BWS_TOKEN", "token-2")
	t.Setenv("ORGANIZATION_ID", "")
	spec, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "token-2", spec.AccessToken)
	assert.Empty(t, spec.OrganizationID)
}
