package utils

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginBody = `{"auth":{"client_token":"hvs.test-token","accessor":"acc","policies":["default"],"lease_duration":300,"renewable":true}}`

func TestGetVaultParam(t *testing.T) {
	t.Setenv("VAULT_TEST_PARAM", "from-env")
	assert.Equal(t, "from-config", GetVaultParam(map[string]interface{}{"VAULT_TEST_PARAM": "from-config"}, "VAULT_TEST_PARAM"))
	assert.Equal(t, "from-env", GetVaultParam(nil, "VAULT_TEST_PARAM"))
	assert.Equal(t, "2", GetVaultParam(map[string]interface{}{"VAULT_KV_VERSION": 2}, "VAULT_KV_VERSION"))
}

func TestIsValidAddr(t *testing.T) {
	require.NoError(t, IsValidAddr("https://vault:8200"))
	require.ErrorIs(t, IsValidAddr("vault:8200"), ErrInvalidVaultAddress)
}

func TestConfigureTLS(t *testing.T) {
	config := api.DefaultConfig()
	err := ConfigureTLS(config, map[string]interface{}{api.EnvVaultInsecure: "not-a-bool"})
	require.ErrorIs(t, err, ErrInvalidSkipVerify)

	require.NoError(t, ConfigureTLS(config, map[string]interface{}{api.EnvVaultInsecure: "true"}))
}

func newClient(t *testing.T, url string) *api.Client {
	t.Helper()
	config := api.DefaultConfig()
	config.Address = url
	client, err := api.NewClient(config)
	require.NoError(t, err)
	client.ClearToken()
	return client
}

func TestAuthenticateToken(t *testing.T) {
	client := newClient(t, "http://127.0.0.1:1")
	token, autoAuth, err := Authenticate(context.Background(), client, map[string]interface{}{
		api.EnvVaultToken: "s.static",
	})
	require.NoError(t, err)
	assert.Equal(t, "s.static", token)
	assert.False(t, autoAuth)

	t.Setenv(api.EnvVaultToken, "")
	_, _, err = Authenticate(context.Background(), client, map[string]interface{}{})
	require.ErrorIs(t, err, ErrVaultTokenNotSet)

	_, _, err = Authenticate(context.Background(), client, map[string]interface{}{AuthMethod: "ldap"})
	require.ErrorIs(t, err, ErrAuthMethodUnknown)
}

func TestAuthenticateKubernetes(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("jwt"), 0600))

	var loginPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loginPath = r.URL.Path
		w.Write([]byte(loginBody))
	}))
	defer srv.Close()

	token, autoAuth, err := Authenticate(context.Background(), newClient(t, srv.URL), map[string]interface{}{
		AuthMethod:              AuthMethodKubernetes,
		AuthKubernetesRole:      "app",
		AuthKubernetesTokenPath: tokenFile,
	})
	require.NoError(t, err)
	assert.Equal(t, "hvs.test-token", token)
	assert.True(t, autoAuth)
	assert.Equal(t, "/v1/auth/kubernetes/login", loginPath)

	_, _, err = Authenticate(context.Background(), newClient(t, srv.URL), map[string]interface{}{
		AuthMethod: AuthMethodKubernetes,
	})
	require.ErrorIs(t, err, ErrKubernetesRoleNotSet)
}

func TestAuthenticateAppRole(t *testing.T) {
	var loginPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loginPath = r.URL.Path
		w.Write([]byte(loginBody))
	}))
	defer srv.Close()

	token, autoAuth, err := Authenticate(context.Background(), newClient(t, srv.URL), map[string]interface{}{
		AuthMethod:          AuthMethodAppRole,
		AuthAppRoleRoleID:   "role",
		AuthAppRoleSecretID: "secret",
		AuthMountPath:       "ci-approle",
	})
	require.NoError(t, err)
	assert.Equal(t, "hvs.test-token", token)
	assert.True(t, autoAuth)
	assert.Equal(t, "/v1/auth/ci-approle/login", loginPath)

	_, _, err = Authenticate(context.Background(), newClient(t, srv.URL), map[string]interface{}{
		AuthMethod: AuthMethodAppRole,
	})
	require.ErrorIs(t, err, ErrAppRoleNotSet)
}

func TestIsPermissionDenied(t *testing.T) {
	assert.True(t, IsPermissionDenied(&api.ResponseError{StatusCode: http.StatusForbidden}))
	assert.False(t, IsPermissionDenied(&api.ResponseError{StatusCode: http.StatusNotFound}))
	assert.True(t, IsPermissionDenied(errors.New("Code: 403. Errors:\n\n* permission denied")))
	assert.False(t, IsPermissionDenied(nil))
}
