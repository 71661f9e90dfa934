package dcos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	api "github.com/portworx/dcos-secrets"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
)

// Keys for the config to initialize the DC/OS secrets client
const (
	EnvSecretsUsername   = "DCOS_SECRETS_USERNAME"
	EnvSecretsPassword   = "DCOS_SECRETS_PASSWORD"
	EnvSecretsCACertFile = "DCOS_SECRETS_CA_CERT_FILE"
	EnvDCOSClusterURL    = "DCOS_CLUSTER_URL"
	// EnvSecretsPaths is a comma separated list of secrets to serve, each
	// either "path" (default store) or "store:path".
	EnvSecretsPaths = "DCOS_SECRETS_PATHS"
)

const (
	// Name name of the secret provider
	Name = secrets.TypeDCOS
	// DefaultStoreProject is the project id of the default secret store
	DefaultStoreProject = "default"
)

var (
	// ErrMissingCredentials returned when either of the creds are missing
	ErrMissingCredentials = errors.New("Username and password are required to authenticate")
	// ErrMissingPaths returned when no secret paths are configured
	ErrMissingPaths = errors.New("DCOS_SECRETS_PATHS is required")
)

//go:generate mockgen -destination=mock/dcos_client.mock.go -package=mock github.com/toruvault/secrets/dcos Client

// Client is the part of the DC/OS secrets API used by this backend.
type Client interface {
	GetSecret(store, key string) (*api.Secret, error)
}

var (
	// This is used for testing so that in tests we can override the newClient function
	// to have custom behavior.
	newClient = newSecretsClient
)

type secretRef struct {
	store string
	path  string
}

func (r secretRef) project() string {
	if r.store == "" {
		return DefaultStoreProject
	}
	return r.store
}

type dcosSecrets struct {
	mu           sync.Mutex
	client       Client
	secretConfig map[string]interface{}
	refs         []secretRef
}

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	refs := parsePaths(getConfigParam(secretConfig, EnvSecretsPaths))
	if len(refs) == 0 {
		return nil, ErrMissingPaths
	}
	client, err := newClient(secretConfig)
	if err != nil {
		return nil, err
	}
	return &dcosSecrets{
		client:       client,
		secretConfig: secretConfig,
		refs:         refs,
	}, nil
}

func parsePaths(v string) []secretRef {
	var refs []secretRef
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ref := secretRef{path: p}
		if i := strings.Index(p, ":"); i >= 0 {
			ref.store, ref.path = p[:i], p[i+1:]
		}
		refs = append(refs, ref)
	}
	return refs
}

func newSecretsClient(
	secretConfig map[string]interface{},
) (Client, error) {
	clientConfig := getClientConfig(secretConfig)
	token, err := getAuthToken(clientConfig, secretConfig)
	if err != nil {
		return nil, err
	}
	clientConfig.ACSToken = token
	return api.NewClient(clientConfig)
}

func getClientConfig(secretConfig map[string]interface{}) api.Config {
	config := api.NewDefaultConfig()

	url := getConfigParam(secretConfig, EnvDCOSClusterURL)
	if url != "" {
		config.ClusterURL = url
	}

	caCertFile := getConfigParam(secretConfig, EnvSecretsCACertFile)
	if caCertFile != "" {
		config.CACertFile = caCertFile
	} else {
		config.Insecure = true
	}

	return config
}

func getAuthToken(clientConfig api.Config, secretConfig map[string]interface{}) (string, error) {
	username := getConfigParam(secretConfig, EnvSecretsUsername)
	if username == "" {
		return "", ErrMissingCredentials
	}
	password := getConfigParam(secretConfig, EnvSecretsPassword)
	if password == "" {
		return "", ErrMissingCredentials
	}

	tokenConfig := api.DefaultTokenConfig()
	tokenConfig.Username = username
	tokenConfig.Password = password
	tokenConfig.Config = clientConfig

	token, err := api.GenerateACSToken(tokenConfig)
	if err != nil {
		return "", err
	} else if token == "" {
		return "", fmt.Errorf("Error generating authentication token")
	}
	return token, nil
}

func (d *dcosSecrets) String() string {
	return Name
}

// Fetch reads every configured secret, or those in the secret store named
// by the filter. A secret holding a JSON object contributes one secret per
// field; any other value is served under the last element of its path.
func (d *dcosSecrets) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	out := make(map[string]string)
	for _, ref := range d.refs {
		if filter.ProjectID != "" && ref.project() != filter.ProjectID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secret, err := d.getSecret(ref)
		if err != nil {
			return nil, err
		}
		if secret == nil {
			return nil, fmt.Errorf("%s: %w", ref.path, secrets.ErrSecretNotFound)
		}
		values, err := flatten(ref, secret.Value)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			if _, exists := out[k]; exists {
				logrus.WithField("source", Name).Warnf("Secret name %s is not unique; keeping the first value", k)
				continue
			}
			out[k] = v
		}
	}
	return out, nil
}

// ListProjects returns the secret stores referenced by the configuration.
func (d *dcosSecrets) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	seen := make(map[string]bool)
	var projects []secrets.Project
	for _, ref := range d.refs {
		p := ref.project()
		if seen[p] {
			continue
		}
		seen[p] = true
		projects = append(projects, secrets.Project{ID: p, Name: p})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (d *dcosSecrets) getSecret(ref secretRef) (*api.Secret, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	secret, err := d.client.GetSecret(ref.store, ref.path)
	if isTokenExpired(err) {
		client, err := newClient(d.secretConfig)
		if err != nil {
			return nil, err
		}
		d.client = client
		return d.client.GetSecret(ref.store, ref.path)
	}
	return secret, err
}

func flatten(ref secretRef, value string) (map[string]string, error) {
	var fields map[string]interface{}
	decoder := json.NewDecoder(strings.NewReader(value))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil || fields == nil {
		return map[string]string{path.Base(ref.path): value}, nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		s, err := secrets.StringValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", ref.path, k, err)
		}
		out[k] = s
	}
	return out, nil
}

func getConfigParam(secretConfig map[string]interface{}, key string) string {
	if valueInterface, exists := secretConfig[key]; exists {
		if value, ok := valueInterface.(string); ok {
			return value
		}
	}
	return os.Getenv(key)
}

func isTokenExpired(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Unauthorized")
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
