package ibm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	ibm "github.com/IBM/keyprotect-go-client"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
)

const (
	// Name of the secret store
	Name = secrets.TypeIBM
	// IbmServiceApiKey is the service ID API Key
	IbmServiceApiKey = "IBM_SERVICE_API_KEY"
	// IbmInstanceIdKey is the Key Protect Service's Instance ID
	IbmInstanceIdKey = "IBM_INSTANCE_ID"
	// IbmBaseUrlKey is the Key Protect Service's Base URL
	IbmBaseUrlKey = "IBM_BASE_URL"
	// IbmTokenUrlKey is the Key Protect Service's Token URL
	IbmTokenUrlKey = "IBM_TOKEN_URL"
	// ProjectTagPrefix marks the tag carrying the project of a key.
	ProjectTagPrefix = "project:"
	// kpClientTimeout is the http client timeout in seconds
	kpClientTimeout = 10
	pageSize        = 200
)

var (
	// ErrIbmServiceApiKeyNotSet is returned when IBM_SERVICE_API_KEY is not set
	ErrIbmServiceApiKeyNotSet = errors.New("IBM_SERVICE_API_KEY not set.")
	// ErrIbmInstanceIdKeyNotSet is returned when IBM_INSTANCE_ID is not set
	ErrIbmInstanceIdKeyNotSet = errors.New("IBM_INSTANCE_ID not set.")
)

// keyProtect is the subset of the Key Protect client used here.
type keyProtect interface {
	GetKeys(ctx context.Context, limit int, offset int) (*ibm.Keys, error)
	GetKey(ctx context.Context, id string) (*ibm.Key, error)
}

// ibmKPSecret serves the payloads of standard (extractable) keys as
// secrets. Root keys have no payload and are skipped.
type ibmKPSecret struct {
	kp keyProtect
}

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	serviceApiKey := getIbmParam(secretConfig, IbmServiceApiKey)
	if serviceApiKey == "" {
		return nil, ErrIbmServiceApiKeyNotSet
	}

	instanceId := getIbmParam(secretConfig, IbmInstanceIdKey)
	if instanceId == "" {
		return nil, ErrIbmInstanceIdKeyNotSet
	}

	baseUrl := getIbmParam(secretConfig, IbmBaseUrlKey)
	if baseUrl == "" {
		baseUrl = ibm.DefaultBaseURL
	}

	tokenUrl := getIbmParam(secretConfig, IbmTokenUrlKey)
	if tokenUrl == "" {
		tokenUrl = ibm.DefaultTokenURL
	}

	cc := ibm.ClientConfig{
		BaseURL:    baseUrl,
		APIKey:     serviceApiKey,
		TokenURL:   tokenUrl,
		InstanceID: instanceId,
		Verbose:    ibm.VerboseFailOnly,
		Timeout:    kpClientTimeout,
	}
	kp, err := ibm.NewWithLogger(cc, nil, logrus.StandardLogger())
	if err != nil {
		return nil, err
	}
	return &ibmKPSecret{kp: kp}, nil
}

func (i *ibmKPSecret) String() string {
	return Name
}

// Fetch returns the payload of every extractable key, or of those tagged
// "project:<id>", keyed by key name.
func (i *ibmKPSecret) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	keys, err := i.list(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, k := range keys {
		if filter.ProjectID != "" && projectOf(k) != filter.ProjectID {
			continue
		}
		full, err := i.kp.GetKey(ctx, k.ID)
		if err != nil {
			return nil, handleError(err)
		}
		payload, err := base64.StdEncoding.DecodeString(full.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.Name, secrets.ErrInvalidSecretData)
		}
		if _, exists := out[k.Name]; exists {
			logrus.WithField("source", Name).Warnf("Key name %s is not unique; using the first key", k.Name)
			continue
		}
		out[k.Name] = string(payload)
	}
	return out, nil
}

// ListProjects returns the distinct project tags of extractable keys.
func (i *ibmKPSecret) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	keys, err := i.list(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var projects []secrets.Project
	for _, k := range keys {
		p := projectOf(k)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		projects = append(projects, secrets.Project{ID: p, Name: p})
	}
	sort.Slice(projects, func(a, b int) bool { return projects[a].ID < projects[b].ID })
	return projects, nil
}

func (i *ibmKPSecret) list(ctx context.Context) ([]ibm.Key, error) {
	var keys []ibm.Key
	for offset := 0; ; offset += pageSize {
		page, err := i.kp.GetKeys(ctx, pageSize, offset)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range page.Keys {
			if k.Extractable {
				keys = append(keys, k)
			}
		}
		if len(page.Keys) < pageSize {
			break
		}
	}
	// Older keys win name collisions.
	sort.SliceStable(keys, func(a, b int) bool {
		ca, cb := keys[a].CreationDate, keys[b].CreationDate
		return ca != nil && cb != nil && ca.Before(*cb)
	})
	return keys, nil
}

func projectOf(k ibm.Key) string {
	for _, tag := range k.Tags {
		if strings.HasPrefix(tag, ProjectTagPrefix) {
			return strings.TrimPrefix(tag, ProjectTagPrefix)
		}
	}
	return ""
}

func getIbmParam(secretConfig map[string]interface{}, name string) string {
	if v, ok := secretConfig[name].(string); ok && v != "" {
		return v
	}
	return os.Getenv(name)
}

func handleError(err error) error {
	// Key payloads can appear in request URLs; keep only the query part.
	if strings.Contains(err.Error(), "api/v2/keys") {
		errTokens := strings.Split(err.Error(), "?")
		if len(errTokens) > 1 {
			return fmt.Errorf("ibm error: %v", errTokens[1])
		}
		return fmt.Errorf("ibm error: cannot perform requested action")
	}
	return err
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
