package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotSupported returned when implementation of specific function is not supported
	ErrNotSupported = errors.New("implementation not supported")
	// ErrNotAuthenticated returned when not authenticated with secrets endpoint
	ErrNotAuthenticated = errors.New("not authenticated with the secrets endpoint")
	// ErrInvalidSecretData returned when a backend hands back a value that is not a string
	ErrInvalidSecretData = errors.New("secret data is not a string value")
)

// Backend types known to the registry.
const (
	TypeBitwarden         = "bitwarden"
	TypeVault             = "vault"
	TypeAWSSecretsManager = "aws-secrets-manager"
	TypeAzure             = "azure-kv"
	TypeGCloud            = "gcloud-secret-manager"
	TypeIBM               = "ibm-kp"
	TypeK8s               = "k8s"
	TypeKVDB              = "kvdb"
	TypeDCOS              = "dcos"
	TypeDocker            = "docker"
)

// Filter narrows a fetch down to a subset of the backend's secrets.
type Filter struct {
	// ProjectID restricts the fetch to one project. How a project maps onto
	// the backend (a path, a tag, a label, a Kubernetes Secret) is up to the
	// backend. Empty means every secret the credentials can read.
	ProjectID string
}

// Project describes a grouping of secrets in a backend that has one.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Source is implemented by remote secret backends. It is the only place
// in this module that performs network I/O.
type Source interface {
	// String representation of the backend
	String() string

	// Fetch returns every secret visible to the configured credentials as
	// name/value pairs. Names are unique. The returned map is owned by the
	// caller, which is expected to encrypt the values and drop the map.
	Fetch(ctx context.Context, filter Filter) (map[string]string, error)
}

// ProjectLister is implemented by sources that have a notion of projects.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]Project, error)
}

// BackendInit creates a Source from a backend specific configuration map.
// Keys missing from the map fall back to environment variables of the same
// name.
type BackendInit func(
	secretConfig map[string]interface{},
) (Source, error)

// StringValue converts a decoded backend value into a secret string.
// Strings and byte slices pass through; numbers and booleans are formatted.
// Anything else is ErrInvalidSecretData.
func StringValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.Number:
		return t.String(), nil
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(t), nil
	}
	return "", ErrInvalidSecretData
}
