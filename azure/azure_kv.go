package azure

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/services/keyvault/2016-10-01/keyvault"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
)

const (
	Name       = secrets.TypeAzure
	AzureCloud = "AzurePublicCloud"

	AzureTenantID        = "AZURE_TENANT_ID"
	AzureClientID        = "AZURE_CLIENT_ID"
	AzureClientSecret    = "AZURE_CLIENT_SECRET"
	AzureClientCertPath  = "AZURE_CLIENT_CERT_PATH"
	AzureClientCertPass  = "AZURE_CLIENT_CERT_PASSWORD"
	AzureEnvironment     = "AZURE_ENVIRONMENT"
	AzureVaultURL        = "AZURE_VAULT_URL"
	AzureProjectTag      = "AZURE_PROJECT_TAG"
	defaultProjectTagKey = "project"
)

var (
	ErrAzureTenantIDNotSet = errors.New("AZURE_TENANT_ID not set.")
	ErrAzureClientIDNotSet = errors.New("AZURE_CLIENT_ID not set.")
	ErrAzureSecretIDNotSet = errors.New("AZURE_CLIENT_SECRET or AZURE_CLIENT_CERT_PATH not set.")
	ErrAzureVaultURLNotSet = errors.New("AZURE_VAULT_URL not set.")
	ErrAzureConfigMissing  = errors.New("AzureConfig is not provided")
	ErrAzureAuthentication = errors.New("Azure authentication failed")
)

// keyVault is the subset of keyvault.BaseClient used here.
type keyVault interface {
	GetSecretsComplete(ctx context.Context, vaultBaseURL string, maxresults *int32) (keyvault.SecretListResultIterator, error)
	GetSecret(ctx context.Context, vaultBaseURL string, secretName string, secretVersion string) (keyvault.SecretBundle, error)
}

type azureSecrets struct {
	kv         keyVault
	baseURL    string
	projectTag string
}

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	if len(secretConfig) == 0 {
		return nil, ErrAzureConfigMissing
	}
	tenantID := getAzureKVParams(secretConfig, AzureTenantID)
	if tenantID == "" {
		return nil, ErrAzureTenantIDNotSet
	}
	clientID := getAzureKVParams(secretConfig, AzureClientID)
	if clientID == "" {
		return nil, ErrAzureClientIDNotSet
	}
	secretID := getAzureKVParams(secretConfig, AzureClientSecret)
	certPath := getAzureKVParams(secretConfig, AzureClientCertPath)
	if secretID == "" && certPath == "" {
		return nil, ErrAzureSecretIDNotSet
	}
	envName := getAzureKVParams(secretConfig, AzureEnvironment)
	if envName == "" {
		envName = AzureCloud
	}
	vaultURL := getAzureKVParams(secretConfig, AzureVaultURL)
	if vaultURL == "" {
		return nil, ErrAzureVaultURLNotSet
	}

	client, err := getAzureVaultClient(clientID, secretID, certPath,
		getAzureKVParams(secretConfig, AzureClientCertPass), tenantID, envName)
	if err != nil {
		logrus.WithError(err).WithField("source", Name).Error("Azure authentication failed")
		return nil, ErrAzureAuthentication
	}

	return newFromClient(client, vaultURL, getAzureKVParams(secretConfig, AzureProjectTag)), nil
}

func newFromClient(kv keyVault, vaultURL, projectTag string) *azureSecrets {
	if projectTag == "" {
		projectTag = defaultProjectTagKey
	}
	return &azureSecrets{kv: kv, baseURL: vaultURL, projectTag: projectTag}
}

func (az *azureSecrets) String() string {
	return Name
}

// Fetch returns the current version of every enabled secret in the vault,
// or of those tagged with the project.
func (az *azureSecrets) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	items, err := az.list(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, item := range items {
		if filter.ProjectID != "" && to.String(item.Tags[az.projectTag]) != filter.ProjectID {
			continue
		}
		name := secretName(item)
		// Empty version selects the current one.
		bundle, err := az.kv.GetSecret(ctx, az.baseURL, name, "")
		if err != nil {
			return nil, fmt.Errorf("reading azure secret %s: %w", name, err)
		}
		if bundle.Value == nil {
			return nil, fmt.Errorf("%s: %w", name, secrets.ErrInvalidSecretData)
		}
		out[name] = *bundle.Value
	}
	return out, nil
}

// ListProjects returns the distinct values of the project tag.
func (az *azureSecrets) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	items, err := az.list(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var projects []secrets.Project
	for _, item := range items {
		p := to.String(item.Tags[az.projectTag])
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		projects = append(projects, secrets.Project{ID: p, Name: p})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (az *azureSecrets) list(ctx context.Context) ([]keyvault.SecretItem, error) {
	it, err := az.kv.GetSecretsComplete(ctx, az.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("listing azure secrets: %w", err)
	}
	var items []keyvault.SecretItem
	for it.NotDone() {
		item := it.Value()
		if item.Attributes == nil || to.Bool(item.Attributes.Enabled) {
			items = append(items, item)
		}
		if err := it.NextWithContext(ctx); err != nil {
			return nil, fmt.Errorf("listing azure secrets: %w", err)
		}
	}
	return items, nil
}

// secretName extracts the name from an id of the form
// https://<vault>/secrets/<name>[/<version>].
func secretName(item keyvault.SecretItem) string {
	id := strings.TrimSuffix(to.String(item.ID), "/")
	if i := strings.Index(id, "/secrets/"); i >= 0 {
		rest := id[i+len("/secrets/"):]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return path.Base(id)
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
