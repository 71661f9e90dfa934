// Package bitwarden serves the secrets of a Bitwarden Secrets Manager
// organization. It authenticates with a machine account access token and
// keeps the SDK session in a state file.
package bitwarden

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
)

const (
	// Name of the secret store
	Name = secrets.TypeBitwarden
	// APIURL is the Secrets Manager API endpoint
	APIURL = "API_URL"
	// IdentityURL is the identity endpoint used for token login
	IdentityURL = "IDENTITY_URL"
	// AccessToken is the machine account access token
	AccessToken = "BWS_TOKEN"
	// StateFile is where the SDK keeps its session
	StateFile = "STATE_FILE"
	// OrganizationID is the organization whose secrets are served
	OrganizationID = "ORGANIZATION_ID"

	DefaultAPIURL      = "https://api.bitwarden.com"
	DefaultIdentityURL = "https://identity.bitwarden.com"
)

var (
	// ErrAccessTokenNotSet is returned when BWS_TOKEN is not set
	ErrAccessTokenNotSet = errors.New("BWS_TOKEN not set")
	// ErrStateFileNotSet is returned when STATE_FILE is not set
	ErrStateFileNotSet = errors.New("STATE_FILE not set")
	// ErrOrganizationIDNotSet is returned when ORGANIZATION_ID is not set
	ErrOrganizationIDNotSet = errors.New("ORGANIZATION_ID not set")
)

// secret is one entry returned by the Secrets Manager.
type secret struct {
	ID        string
	Key       string
	Value     string
	ProjectID string
}

// client is the subset of the Secrets Manager SDK used by this backend.
type client interface {
	Login(accessToken, stateFile string) error
	Sync(organizationID string) error
	ListSecretIDs(organizationID string) ([]string, error)
	GetSecrets(ids []string) ([]secret, error)
	ListProjects(organizationID string) ([]secrets.Project, error)
	Close()
}

var newClient = newSDKClient

type bitwardenSecrets struct {
	// The SDK session is not safe for concurrent use.
	mu             sync.Mutex
	client         client
	organizationID string
}

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	token := getParam(secretConfig, AccessToken)
	if token == "" {
		return nil, ErrAccessTokenNotSet
	}
	stateFile := getParam(secretConfig, StateFile)
	if stateFile == "" {
		return nil, ErrStateFileNotSet
	}
	orgID := getParam(secretConfig, OrganizationID)
	if orgID == "" {
		return nil, ErrOrganizationIDNotSet
	}
	apiURL := getParam(secretConfig, APIURL)
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	identityURL := getParam(secretConfig, IdentityURL)
	if identityURL == "" {
		identityURL = DefaultIdentityURL
	}

	if err := ensureStateFile(stateFile); err != nil {
		return nil, err
	}

	c, err := newClient(apiURL, identityURL)
	if err != nil {
		return nil, err
	}
	if err := c.Login(token, stateFile); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", secrets.ErrNotAuthenticated, err)
	}
	return &bitwardenSecrets{
		client:         c,
		organizationID: orgID,
	}, nil
}

// ensureStateFile creates the state file owner-only if it is absent and
// warns when an existing one is readable by others.
func ensureStateFile(path string) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil && !os.IsExist(err) {
			return err
		}
		if f != nil {
			return f.Close()
		}
		return nil
	} else if err != nil {
		return err
	}
	if fi.Mode().Perm()&0077 != 0 {
		logrus.WithField("source", Name).Warnf("State file %s is accessible by group or others (mode %v); it should be 0600",
			path, fi.Mode().Perm())
	}
	return nil
}

func (b *bitwardenSecrets) String() string {
	return Name
}

// Fetch syncs the organization and returns its secrets. With a project
// filter, secrets assigned to another project are dropped; secrets that
// belong to no project are always included.
func (b *bitwardenSecrets) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.client.Sync(b.organizationID); err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}
	ids, err := b.client.ListSecretIDs(b.organizationID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := b.client.GetSecrets(ids)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if filter.ProjectID != "" && s.ProjectID != "" && s.ProjectID != filter.ProjectID {
			continue
		}
		if _, exists := out[s.Key]; exists {
			logrus.WithField("source", Name).Warnf("Secret key %s is not unique; using the last value", s.Key)
		}
		out[s.Key] = s.Value
	}
	return out, nil
}

func (b *bitwardenSecrets) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	projects, err := b.client.ListProjects(b.organizationID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// Close ends the SDK session.
func (b *bitwardenSecrets) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client.Close()
	return nil
}

func getParam(secretConfig map[string]interface{}, name string) string {
	if v, ok := secretConfig[name].(string); ok && v != "" {
		return v
	}
	return os.Getenv(name)
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
