package k8s

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/portworx/sched-ops/k8s/core"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
)

const (
	Name = secrets.TypeK8s
	// SecretNamespace is the namespace holding the Secrets. Defaults to "default".
	SecretNamespace = "K8S_SECRET_NAMESPACE"
	// SecretNames is a comma separated list of Secrets served by this
	// backend. Each Secret is one project.
	SecretNames = "K8S_SECRET_NAMES"

	defaultNamespace = "default"
)

// secretGetter is the subset of the sched-ops core client used here.
type secretGetter interface {
	GetSecret(name string, namespace string) (*corev1.Secret, error)
}

var secretOps = func() secretGetter {
	return core.Instance()
}

type k8sSecrets struct {
	namespace string
	names     []string
	ops       secretGetter
}

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	namespace := getParam(secretConfig, SecretNamespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	var names []string
	for _, n := range strings.Split(getParam(secretConfig, SecretNames), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s cannot be empty", SecretNames)
	}
	return &k8sSecrets{
		namespace: namespace,
		names:     names,
		ops:       secretOps(),
	}, nil
}

func (s *k8sSecrets) String() string {
	return Name
}

// Fetch merges the data of every configured Secret, or of the one named by
// the filter. A key present in more than one Secret keeps the value from
// the Secret listed first.
func (s *k8sSecrets) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	names := s.names
	if filter.ProjectID != "" {
		names = []string{filter.ProjectID}
	}

	out := make(map[string]string)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secret, err := s.ops.GetSecret(name, s.namespace)
		if k8serrors.IsNotFound(err) && filter.ProjectID == "" {
			logrus.WithField("source", Name).Warnf("Secret %s/%s not found", s.namespace, name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to get secret from [%s]. Err: %w", name, err)
		}
		for k, v := range secret.Data {
			if _, exists := out[k]; !exists {
				out[k] = string(v)
			}
		}
		for k, v := range secret.StringData {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	return out, nil
}

// ListProjects returns the configured Secrets that exist.
func (s *k8sSecrets) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	var projects []secrets.Project
	for _, name := range s.names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secret, err := s.ops.GetSecret(name, s.namespace)
		if k8serrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		projects = append(projects, secrets.Project{
			ID:        secret.Name,
			Name:      secret.Namespace + "/" + secret.Name,
			CreatedAt: secret.CreationTimestamp.Time,
		})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
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
