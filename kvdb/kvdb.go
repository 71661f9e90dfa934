package kvdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	kv "github.com/portworx/kvdb"
	"github.com/toruvault/secrets"
)

const (
	Name = secrets.TypeKVDB
	// KvdbKey holds an already constructed kv.Kvdb instance.
	KvdbKey = "KVDB"
	// KvdbName selects a registered kvdb driver when no instance is given.
	KvdbName = "KVDB_NAME"
	// KvdbEndpoints is a comma separated list of kvdb endpoints.
	KvdbEndpoints = "KVDB_ENDPOINTS"
	// KvdbPrefix is the key prefix holding the secrets. Defaults to "secret/".
	KvdbPrefix = "KVDB_SECRETS_PREFIX"

	defaultPrefix = "secret/"
)

var (
	ErrKvdbNotSet     = errors.New("KVDB Key not set")
	ErrDuplicateName  = errors.New("secret name is not unique across projects")
	ErrInvalidProject = errors.New("project id cannot contain '/'")
)

// kvdbSecrets serves <prefix><project>/<name> keys. Keys directly under
// the prefix belong to no project.
type kvdbSecrets struct {
	client kv.Kvdb
	prefix string
}

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	var kvClient kv.Kvdb
	if kvdbIntf, exists := secretConfig[KvdbKey]; exists {
		c, ok := kvdbIntf.(kv.Kvdb)
		if !ok {
			return nil, fmt.Errorf("%s must hold a kvdb instance", KvdbKey)
		}
		kvClient = c
	} else if name := getParam(secretConfig, KvdbName); name != "" {
		var endpoints []string
		if e := getParam(secretConfig, KvdbEndpoints); e != "" {
			endpoints = strings.Split(e, ",")
		}
		c, err := kv.New(name, "", endpoints, nil, nil)
		if err != nil {
			return nil, err
		}
		kvClient = c
	} else {
		return nil, ErrKvdbNotSet
	}

	prefix := getParam(secretConfig, KvdbPrefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &kvdbSecrets{
		client: kvClient,
		prefix: prefix,
	}, nil
}

func (v *kvdbSecrets) String() string {
	return Name
}

func (v *kvdbSecrets) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	if strings.Contains(filter.ProjectID, "/") {
		return nil, ErrInvalidProject
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := v.prefix
	if filter.ProjectID != "" {
		prefix += filter.ProjectID + "/"
	}
	kvps, err := v.client.Enumerate(prefix)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(kvps))
	for _, kvp := range kvps {
		if len(kvp.Value) == 0 {
			continue
		}
		name := path.Base(kvp.Key)
		if _, exists := out[name]; exists {
			return nil, fmt.Errorf("%s: %w", name, ErrDuplicateName)
		}
		out[name] = string(kvp.Value)
	}
	return out, nil
}

// ListProjects returns the first level directories under the prefix.
func (v *kvdbSecrets) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kvps, err := v.client.Enumerate(v.prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var projects []secrets.Project
	for _, kvp := range kvps {
		project := v.projectOf(kvp.Key)
		if project == "" || seen[project] {
			continue
		}
		seen[project] = true
		projects = append(projects, secrets.Project{ID: project, Name: project})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// projectOf extracts the project from a key. Drivers differ in whether the
// returned key carries the kvdb domain, so the prefix is located instead of
// trimmed.
func (v *kvdbSecrets) projectOf(key string) string {
	idx := strings.Index(key, v.prefix)
	if idx < 0 {
		return ""
	}
	rel := key[idx+len(v.prefix):]
	dir, _ := path.Split(rel)
	if dir == "" {
		return ""
	}
	return strings.SplitN(dir, "/", 2)[0]
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
