package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
)

const (
	Name             = secrets.TypeDocker
	DockerSecretPath = "/run/secrets/"
	// DockerSecretsDir overrides DockerSecretPath.
	DockerSecretsDir = "DOCKER_SECRETS_DIR"
)

// ErrInvalidProject is returned for project ids that are not a single
// directory name.
var ErrInvalidProject = errors.New("invalid project id")

// dockerSecrets serves the files mounted by swarm or compose. Files in the
// secrets directory have no project; each sub-directory is a project.
type dockerSecrets struct {
	dir string
}

func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	return &dockerSecrets{dir: SecretsDir(secretConfig)}, nil
}

// SecretsDir returns the configured secrets directory.
func SecretsDir(secretConfig map[string]interface{}) string {
	if v, ok := secretConfig[DockerSecretsDir].(string); ok && v != "" {
		return v
	}
	if v := os.Getenv(DockerSecretsDir); v != "" {
		return v
	}
	return DockerSecretPath
}

// ReadSecret reads one secret file. secrets.ErrSecretNotFound is returned
// when it does not exist.
func ReadSecret(dir, secretId string) (string, error) {
	if secretId == "" || strings.ContainsAny(secretId, `/\`) || secretId == "." || secretId == ".." {
		return "", fmt.Errorf("invalid secret id %q", secretId)
	}
	secretPath := filepath.Join(dir, secretId)
	cipherBlob, err := os.ReadFile(secretPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &secrets.ErrKeyNotFound{Name: secretId}
		}
		return "", err
	}
	return trimNewline(string(cipherBlob)), nil
}

func (v *dockerSecrets) String() string {
	return Name
}

func (v *dockerSecrets) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if filter.ProjectID != "" {
		if filter.ProjectID != filepath.Base(filter.ProjectID) || filter.ProjectID == ".." {
			return nil, ErrInvalidProject
		}
		out := make(map[string]string)
		if err := v.readDir(filepath.Join(v.dir, filter.ProjectID), out); err != nil {
			return nil, err
		}
		return out, nil
	}

	out := make(map[string]string)
	if err := v.readDir(v.dir, out); err != nil {
		return nil, err
	}
	projects, err := v.projectDirs()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if err := v.readDir(filepath.Join(v.dir, p), out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListProjects returns the sub-directories of the secrets directory.
func (v *dockerSecrets) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	names, err := v.projectDirs()
	if err != nil {
		return nil, err
	}
	projects := make([]secrets.Project, 0, len(names))
	for _, n := range names {
		p := secrets.Project{ID: n, Name: n}
		if fi, err := os.Stat(filepath.Join(v.dir, n)); err == nil {
			p.CreatedAt = fi.ModTime()
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func (v *dockerSecrets) projectDirs() ([]string, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// readDir adds the regular files of dir to out. The first file seen for a
// name wins.
func (v *dockerSecrets) readDir(dir string, out map[string]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, exists := out[e.Name()]; exists {
			logrus.WithField("source", Name).Warnf("Secret %s in %s shadowed by an earlier file", e.Name(), dir)
			continue
		}
		value, err := ReadSecret(dir, e.Name())
		if err != nil {
			return err
		}
		if value == "" {
			logrus.WithField("source", Name).Warnf("Skipping empty secret file %s", e.Name())
			continue
		}
		out[e.Name()] = value
	}
	return nil
}

func trimNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
