package vault

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/vault/utils"
)

const (
	Name = secrets.TypeVault

	// BackendPath is the KV mount holding the secrets.
	BackendPath = "VAULT_BACKEND_PATH"
	// KVVersion forces the KV engine version (1 or 2) instead of asking
	// sys/mounts.
	KVVersion = "VAULT_KV_VERSION"
	// CooldownPeriod is how long the source refuses to call vault after a
	// request was denied. 0 disables the cooldown.
	CooldownPeriod = "VAULT_COOLDOWN_PERIOD"

	// ValueField is the field holding the secret when an entry stores a
	// single value.
	ValueField = "value"

	defaultBackendPath    = "secret/"
	defaultCooldownPeriod = 5 * time.Minute
)

var (
	ErrInvalidKVVersion = errors.New("VAULT_KV_VERSION must be 1 or 2")
	ErrInvalidCooldown  = errors.New("VAULT_COOLDOWN_PERIOD is invalid")
	ErrInCooldown       = errors.New("vault client is in cooldown")
	ErrDuplicateName    = errors.New("secret name is defined more than once")
)

type vaultSource struct {
	mu       sync.Mutex
	client   *api.Client
	config   map[string]interface{}
	autoAuth bool

	backendPath string
	kvV2        bool

	cooldownPeriod time.Duration
	cooldownUntil  time.Time
	now            func() time.Time
}

// These variables are helpful in testing to stub method call from packages
var (
	newVaultClient = api.NewClient
)

// New creates a vault KV source. Parameters are read from secretConfig,
// falling back to the VAULT_* environment variables.
func New(
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	// DefaultConfig uses the environment variables if present.
	config := api.DefaultConfig()

	if len(secretConfig) == 0 && config.Error != nil {
		return nil, config.Error
	}

	address := utils.GetVaultParam(secretConfig, api.EnvVaultAddress)
	if address == "" {
		return nil, utils.ErrVaultAddressNotSet
	}
	if err := utils.IsValidAddr(address); err != nil {
		return nil, err
	}
	config.Address = address

	if err := utils.ConfigureTLS(config, secretConfig); err != nil {
		return nil, err
	}

	cooldown := defaultCooldownPeriod
	if v := utils.GetVaultParam(secretConfig, CooldownPeriod); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, ErrInvalidCooldown
		}
		cooldown = d
	}

	client, err := newVaultClient(config)
	if err != nil {
		return nil, err
	}
	client.ClearToken()

	if namespace := utils.GetVaultParam(secretConfig, api.EnvVaultNamespace); namespace != "" {
		client.SetNamespace(namespace)
	}

	ctx := context.Background()
	token, autoAuth, err := utils.Authenticate(ctx, client, secretConfig)
	if err != nil {
		utils.CloseIdleConnections(config)
		return nil, err
	}
	client.SetToken(token)

	backendPath := utils.GetVaultParam(secretConfig, BackendPath)
	if backendPath == "" {
		backendPath = defaultBackendPath
	}
	backendPath = strings.Trim(backendPath, "/") + "/"

	kvV2, err := kvVersion(ctx, client, backendPath, utils.GetVaultParam(secretConfig, KVVersion))
	if err != nil {
		utils.CloseIdleConnections(config)
		return nil, err
	}

	return &vaultSource{
		client:         client,
		config:         secretConfig,
		autoAuth:       autoAuth,
		backendPath:    backendPath,
		kvV2:           kvV2,
		cooldownPeriod: cooldown,
		now:            time.Now,
	}, nil
}

func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func kvVersion(ctx context.Context, client *api.Client, backendPath, forced string) (bool, error) {
	switch forced {
	case "1":
		return false, nil
	case "2":
		return true, nil
	case "":
	default:
		return false, ErrInvalidKVVersion
	}

	mounts, err := client.Sys().ListMountsWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("detecting KV version of %s (set %s to skip): %w",
			backendPath, KVVersion, err)
	}
	mount, ok := mounts[backendPath]
	if !ok {
		return false, fmt.Errorf("vault mount %s not found", backendPath)
	}
	return mount.Options["version"] == "2", nil
}

func (v *vaultSource) String() string {
	return Name
}

// Fetch reads every entry directly under the backend path, or under
// <backend>/<project> when a project is given. An entry with a single
// "value" field yields one secret named after the entry; any other entry
// contributes each of its fields as a secret.
func (v *vaultSource) Fetch(ctx context.Context, filter secrets.Filter) (map[string]string, error) {
	dir := strings.Trim(filter.ProjectID, "/")

	keys, err := v.list(ctx, dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		data, err := v.read(ctx, path.Join(dir, key))
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		if err := flatten(out, key, data); err != nil {
			return nil, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"source":  Name,
		"project": filter.ProjectID,
		"count":   len(out),
	}).Debug("Fetched secrets from vault")
	return out, nil
}

// ListProjects returns the folders directly under the backend path.
func (v *vaultSource) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	keys, err := v.list(ctx, "")
	if err != nil {
		return nil, err
	}
	var projects []secrets.Project
	for _, key := range keys {
		if !strings.HasSuffix(key, "/") {
			continue
		}
		name := strings.TrimSuffix(key, "/")
		projects = append(projects, secrets.Project{ID: name, Name: name})
	}
	return projects, nil
}

func flatten(out map[string]string, key string, data map[string]interface{}) error {
	if len(data) == 1 {
		if raw, ok := data[ValueField]; ok {
			return put(out, key, raw)
		}
	}
	for field, raw := range data {
		if err := put(out, field, raw); err != nil {
			return err
		}
	}
	return nil
}

func put(out map[string]string, name string, raw interface{}) error {
	if _, exists := out[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	s, err := secrets.StringValue(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	out[name] = s
	return nil
}

func (v *vaultSource) listPath(dir string) string {
	if v.kvV2 {
		return path.Join(v.backendPath, "metadata", dir)
	}
	return path.Join(v.backendPath, dir)
}

func (v *vaultSource) readPath(key string) string {
	if v.kvV2 {
		return path.Join(v.backendPath, "data", key)
	}
	return path.Join(v.backendPath, key)
}

func (v *vaultSource) list(ctx context.Context, dir string) ([]string, error) {
	var secret *api.Secret
	err := v.call(ctx, func() (err error) {
		secret, err = v.client.Logical().ListWithContext(ctx, v.listPath(dir))
		return err
	})
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *vaultSource) read(ctx context.Context, key string) (map[string]interface{}, error) {
	var secret *api.Secret
	err := v.call(ctx, func() (err error) {
		secret, err = v.client.Logical().ReadWithContext(ctx, v.readPath(key))
		return err
	})
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	if !v.kvV2 {
		return secret.Data, nil
	}
	// Deleted versions carry a nil data field.
	data, _ := secret.Data["data"].(map[string]interface{})
	return data, nil
}

// call runs fn unless the source is cooling down. A permission denied
// error triggers one re-login when the token came from an auth method, and
// starts the cooldown if the retry fails too.
func (v *vaultSource) call(ctx context.Context, fn func() error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.now().Before(v.cooldownUntil) {
		return ErrInCooldown
	}

	err := fn()
	if err == nil || !utils.IsPermissionDenied(err) {
		return err
	}

	if v.autoAuth {
		token, _, authErr := utils.Authenticate(ctx, v.client, v.config)
		if authErr == nil {
			v.client.SetToken(token)
			if err = fn(); err == nil {
				return nil
			}
		} else {
			logrus.WithError(authErr).WithField("source", Name).Warn("Vault re-login failed")
		}
	}

	if v.cooldownPeriod > 0 {
		v.cooldownUntil = v.now().Add(v.cooldownPeriod)
		logrus.WithField("source", Name).Warnf("Vault denied access; pausing requests for %v", v.cooldownPeriod)
	}
	return err
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
