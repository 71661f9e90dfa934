package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/hashicorp/vault/api/auth/kubernetes"
)

const (
	// AuthMethod selects how the client logs in: token (default), kubernetes
	// or approle.
	AuthMethod = "VAULT_AUTH_METHOD"
	// AuthMountPath overrides the mount path of the auth method.
	AuthMountPath = "VAULT_AUTH_MOUNT_PATH"

	AuthKubernetesRole      = "VAULT_AUTH_KUBERNETES_ROLE"
	AuthKubernetesTokenPath = "VAULT_AUTH_KUBERNETES_TOKEN_PATH"

	AuthAppRoleRoleID   = "VAULT_APPROLE_ROLE_ID"
	AuthAppRoleSecretID = "VAULT_APPROLE_SECRET_ID"

	AuthMethodToken      = "token"
	AuthMethodKubernetes = "kubernetes"
	AuthMethodAppRole    = "approle"

	vaultAddressPrefix = "http"
)

var (
	ErrVaultTokenNotSet    = errors.New("VAULT_TOKEN not set.")
	ErrVaultAddressNotSet  = errors.New("VAULT_ADDR not set.")
	ErrInvalidSkipVerify   = errors.New("VAULT_SKIP_VERIFY is invalid")
	ErrInvalidVaultAddress = errors.New("VAULT_ADDRESS is invalid. " +
		"Should be of the form http(s)://<ip>:<port>")
	ErrKubernetesRoleNotSet = errors.New("VAULT_AUTH_KUBERNETES_ROLE not set.")
	ErrAppRoleNotSet        = errors.New("VAULT_APPROLE_ROLE_ID and VAULT_APPROLE_SECRET_ID must be set.")
	ErrAuthMethodUnknown    = errors.New("VAULT_AUTH_METHOD is not one of token, kubernetes or approle")
)

// GetVaultParam returns the named parameter from secretConfig, falling back
// to the environment variable of the same name.
func GetVaultParam(secretConfig map[string]interface{}, name string) string {
	if v, exists := secretConfig[name]; exists {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return os.Getenv(name)
}

// IsValidAddr checks the address carries an http(s) scheme.
func IsValidAddr(address string) error {
	// Vault fails if address is not in correct format
	if !strings.HasPrefix(address, vaultAddressPrefix) {
		return ErrInvalidVaultAddress
	}
	return nil
}

// ConfigureTLS applies the VAULT_* TLS parameters to config.
func ConfigureTLS(config *api.Config, secretConfig map[string]interface{}) error {
	tlsConfig := api.TLSConfig{}
	skipVerify := GetVaultParam(secretConfig, api.EnvVaultInsecure)
	if skipVerify != "" {
		insecure, err := strconv.ParseBool(skipVerify)
		if err != nil {
			return ErrInvalidSkipVerify
		}
		tlsConfig.Insecure = insecure
	}

	tlsConfig.CACert = GetVaultParam(secretConfig, api.EnvVaultCACert)
	tlsConfig.CAPath = GetVaultParam(secretConfig, api.EnvVaultCAPath)
	tlsConfig.ClientCert = GetVaultParam(secretConfig, api.EnvVaultClientCert)
	tlsConfig.ClientKey = GetVaultParam(secretConfig, api.EnvVaultClientKey)
	tlsConfig.TLSServerName = GetVaultParam(secretConfig, api.EnvVaultTLSServerName)

	return config.ConfigureTLS(&tlsConfig)
}

// Authenticate returns a client token for the configured auth method.
// autoAuth is true when the token came from a login that can be repeated
// once it expires.
func Authenticate(
	ctx context.Context,
	client *api.Client,
	secretConfig map[string]interface{},
) (token string, autoAuth bool, err error) {
	method := GetVaultParam(secretConfig, AuthMethod)
	switch method {
	case "", AuthMethodToken:
		token = GetVaultParam(secretConfig, api.EnvVaultToken)
		if token == "" {
			return "", false, ErrVaultTokenNotSet
		}
		return token, false, nil
	case AuthMethodKubernetes, AuthMethodAppRole:
		auth, err := authMethod(method, secretConfig)
		if err != nil {
			return "", false, err
		}
		secret, err := client.Auth().Login(ctx, auth)
		if err != nil {
			return "", true, fmt.Errorf("vault %s login: %w", method, err)
		}
		if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
			return "", true, fmt.Errorf("vault %s login returned no token", method)
		}
		return secret.Auth.ClientToken, true, nil
	}
	return "", false, ErrAuthMethodUnknown
}

func authMethod(method string, secretConfig map[string]interface{}) (api.AuthMethod, error) {
	mountPath := GetVaultParam(secretConfig, AuthMountPath)

	if method == AuthMethodKubernetes {
		role := GetVaultParam(secretConfig, AuthKubernetesRole)
		if role == "" {
			return nil, ErrKubernetesRoleNotSet
		}
		var opts []kubernetes.LoginOption
		if mountPath != "" {
			opts = append(opts, kubernetes.WithMountPath(mountPath))
		}
		if path := GetVaultParam(secretConfig, AuthKubernetesTokenPath); path != "" {
			opts = append(opts, kubernetes.WithServiceAccountTokenPath(path))
		}
		return kubernetes.NewKubernetesAuth(role, opts...)
	}

	roleID := GetVaultParam(secretConfig, AuthAppRoleRoleID)
	secretID := GetVaultParam(secretConfig, AuthAppRoleSecretID)
	if roleID == "" || secretID == "" {
		return nil, ErrAppRoleNotSet
	}
	var opts []approle.LoginOption
	if mountPath != "" {
		opts = append(opts, approle.WithMountPath(mountPath))
	}
	return approle.NewAppRoleAuth(roleID, &approle.SecretID{FromString: secretID}, opts...)
}

// CloseIdleConnections releases the connections held by the client's
// transport.
func CloseIdleConnections(config *api.Config) {
	if config == nil || config.HttpClient == nil {
		return
	}
	if tr, ok := config.HttpClient.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

// IsPermissionDenied reports whether err is a 403 from vault.
func IsPermissionDenied(err error) bool {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusForbidden
	}
	return err != nil && strings.Contains(err.Error(), "permission denied")
}
