package gcloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

const (
	// Name of the secret store
	Name = secrets.TypeGCloud
	// GoogleProjectKey is the GCP project that owns the secrets.
	GoogleProjectKey = "GOOGLE_CLOUD_PROJECT"
	// GoogleProjectLabelKey names the label whose value is the project of a
	// secret.
	GoogleProjectLabelKey = "GOOGLE_SECRETS_PROJECT_LABEL"
	// GoogleEndpointKey overrides the Secret Manager endpoint.
	GoogleEndpointKey = "GOOGLE_SECRET_MANAGER_ENDPOINT"

	defaultProjectLabel = "project"
)

var (
	// ErrGoogleProjectNotProvided is returned when GOOGLE_CLOUD_PROJECT is not provided
	ErrGoogleProjectNotProvided = errors.New("Google Cloud project is not provided")
)

type gcloudSecrets struct {
	sm           *secretmanager.Service
	parent       string
	projectLabel string
}

// These variables are helpful in testing to stub method call from packages
var (
	defaultClientOptions = func(ctx context.Context) ([]option.ClientOption, error) {
		client, err := google.DefaultClient(ctx, secretmanager.CloudPlatformScope)
		if err != nil {
			return nil, err
		}
		return []option.ClientOption{option.WithHTTPClient(client)}, nil
	}
)

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	gcpProject := getParam(secretConfig, GoogleProjectKey)
	if gcpProject == "" {
		return nil, ErrGoogleProjectNotProvided
	}

	ctx := context.Background()
	opts, err := defaultClientOptions(ctx)
	if err != nil {
		return nil, err
	}
	if endpoint := getParam(secretConfig, GoogleEndpointKey); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return NewWithOptions(ctx, gcpProject, getParam(secretConfig, GoogleProjectLabelKey), opts...)
}

// NewWithOptions creates the source with explicit client options.
func NewWithOptions(
	ctx context.Context,
	gcpProject, projectLabel string,
	opts ...option.ClientOption,
) (secrets.Source, error) {
	sm, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if projectLabel == "" {
		projectLabel = defaultProjectLabel
	}
	return &gcloudSecrets{
		sm:           sm,
		parent:       "projects/" + gcpProject,
		projectLabel: projectLabel,
	}, nil
}

func (g *gcloudSecrets) String() string {
	return Name
}

// Fetch returns the latest version of every secret in the GCP project, or
// of those labelled with the project.
func (g *gcloudSecrets) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	list, err := g.list(ctx, filter.ProjectID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(list))
	for _, s := range list {
		resp, err := g.sm.Projects.Secrets.Versions.Access(s.Name + "/versions/latest").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("accessing %s: %w", s.Name, err)
		}
		if resp.Payload == nil {
			return nil, fmt.Errorf("%s: %w", s.Name, secrets.ErrInvalidSecretData)
		}
		data, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, secrets.ErrInvalidSecretData)
		}
		out[path.Base(s.Name)] = string(data)
	}
	logrus.WithFields(logrus.Fields{
		"source":  Name,
		"project": filter.ProjectID,
		"count":   len(out),
	}).Debug("Fetched secrets from Google Secret Manager")
	return out, nil
}

// ListProjects returns the distinct values of the project label.
func (g *gcloudSecrets) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	list, err := g.list(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]secrets.Project)
	for _, s := range list {
		value := s.Labels[g.projectLabel]
		if value == "" {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, s.CreateTime)
		p, exists := seen[value]
		if !exists || (!created.IsZero() && created.Before(p.CreatedAt)) {
			seen[value] = secrets.Project{ID: value, Name: value, CreatedAt: created}
		}
	}
	projects := make([]secrets.Project, 0, len(seen))
	for _, p := range seen {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (g *gcloudSecrets) list(ctx context.Context, project string) ([]*secretmanager.Secret, error) {
	call := g.sm.Projects.Secrets.List(g.parent)
	if project != "" {
		call = call.Filter(fmt.Sprintf("labels.%s=%s", g.projectLabel, project))
	}
	var out []*secretmanager.Secret
	err := call.Pages(ctx, func(page *secretmanager.ListSecretsResponse) error {
		for _, s := range page.Secrets {
			if project != "" && s.Labels[g.projectLabel] != project {
				continue
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing secrets in %s: %w", g.parent, err)
	}
	return out, nil
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
