// Package loader wires a credential store, a secrets backend, the key
// deriver and the cache manager into one handle for applications.
//
// Backends are not linked in by this package. Import the ones you need for
// their registration, or github.com/toruvault/secrets/backends/all for
// every one of them:
//
//	import _ "github.com/toruvault/secrets/backends/all"
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/cache"
	"github.com/toruvault/secrets/lazy"
	"github.com/toruvault/secrets/pkg/aead"
	"github.com/toruvault/secrets/pkg/keyderiv"
	"github.com/toruvault/secrets/store"
	dockerstore "github.com/toruvault/secrets/store/docker"
	"github.com/toruvault/secrets/store/env"
	"github.com/toruvault/secrets/store/keyring"
	"k8s.io/utils/clock"
)

// EnvPrefix prefixes the variables read by LoadConfig.
const EnvPrefix = "VAULT"

// ErrProjectsNotSupported is returned by ListProjects and EnvLoadAll for
// backends without projects.
var ErrProjectsNotSupported = fmt.Errorf("listing projects: %w", secrets.ErrNotSupported)

// Config selects the backend and tunes the cache. LoadConfig fills it from
// VAULT_* environment variables.
type Config struct {
	Source            string        `envconfig:"SOURCE" default:"bitwarden"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"5m"`
	ProjectID         string        `envconfig:"PROJECT_ID"`
	Cipher            string        `envconfig:"CIPHER" default:"aes-gcm"`
	UseKeyring        bool          `envconfig:"USE_KEYRING" default:"true"`
	RequireSalt       bool          `envconfig:"REQUIRE_SALT" default:"false"`
	CredentialService string        `envconfig:"CREDENTIAL_SERVICE" default:"bitwarden_vault"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing loader config: %w", err)
	}
	return cfg, nil
}

// Loader hands out the secrets of one backend, re-fetching them once the
// cached container expires.
type Loader struct {
	cfg     Config
	source  secrets.Source
	cipher  aead.Cipher
	deriver *keyderiv.Deriver
	manager *cache.Manager
	clock   clock.PassiveClock
	log     *logrus.Entry
}

type options struct {
	reader       secrets.CredentialReader
	source       secrets.Source
	secretConfig map[string]interface{}
	deriverOpts  []keyderiv.Option
	clock        clock.PassiveClock
	log          *logrus.Entry
}

// Option configures a Loader.
type Option func(*options)

// WithCredentialReader replaces the default env, keyring and docker chain.
func WithCredentialReader(r secrets.CredentialReader) Option {
	return func(o *options) {
		o.reader = r
	}
}

// WithSource uses src instead of creating Config.Source from the registry.
func WithSource(src secrets.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithSecretConfig passes backend specific settings to the registry.
func WithSecretConfig(secretConfig map[string]interface{}) Option {
	return func(o *options) {
		o.secretConfig = secretConfig
	}
}

// WithDeriverOptions appends options to the key deriver.
func WithDeriverOptions(opts ...keyderiv.Option) Option {
	return func(o *options) {
		o.deriverOpts = append(o.deriverOpts, opts...)
	}
}

func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		o.log = log
	}
}

// New builds a Loader. Nothing is fetched until the first read.
func New(ctx context.Context, cfg Config, opts ...Option) (*Loader, error) {
	o := options{
		clock: clock.RealClock{},
		log:   logrus.WithField("component", "loader"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.Cipher == "" {
		cfg.Cipher = aead.NameAESGCM
	}
	if cfg.CredentialService == "" {
		cfg.CredentialService = secrets.DefaultCredentialService
	}

	c, err := aead.ByName(cfg.Cipher)
	if err != nil {
		return nil, err
	}

	var kr secrets.CredentialStore
	if cfg.UseKeyring {
		kr = keyring.New(cfg.CredentialService)
	}
	reader := o.reader
	if reader == nil {
		readers := []secrets.CredentialReader{env.New("")}
		if kr != nil {
			readers = append(readers, kr)
		}
		readers = append(readers, dockerstore.New(o.secretConfig))
		reader = store.Chain(readers...)
	}

	src := o.source
	if src == nil {
		src, err = newSource(ctx, cfg, reader, o.secretConfig)
		if err != nil {
			return nil, err
		}
	}

	saltSources := []keyderiv.SaltSource{}
	if kr != nil {
		saltSources = append(saltSources, &keyderiv.CredentialSalt{
			Reader: kr,
			Key:    secrets.CredentialKey{Service: cfg.CredentialService, Name: secrets.CredentialKeySalt},
		})
	}
	saltSources = append(saltSources, keyderiv.EnvSalt(""))
	deriverOpts := append([]keyderiv.Option{
		keyderiv.WithSaltSources(saltSources...),
		keyderiv.WithRequireSalt(cfg.RequireSalt),
		keyderiv.WithLogger(o.log),
	}, o.deriverOpts...)

	l := &Loader{
		cfg:     cfg,
		source:  src,
		cipher:  c,
		deriver: keyderiv.NewDeriver(deriverOpts...),
		clock:   o.clock,
		log:     o.log.WithField("source", src.String()),
	}
	l.manager = cache.New(
		func(ctx context.Context) (*lazy.Container, error) {
			return l.build(ctx, secrets.Filter{ProjectID: cfg.ProjectID})
		},
		cache.WithTTL(cfg.CacheTTL),
		cache.WithClock(o.clock),
		cache.WithSource(src.String()),
		cache.WithLogger(o.log),
	)
	return l, nil
}

// newSource creates the configured backend. The Bitwarden backend gets its
// access token, organization and state file from the credential reader
// unless secretConfig already carries them.
func newSource(
	ctx context.Context,
	cfg Config,
	reader secrets.CredentialReader,
	secretConfig map[string]interface{},
) (secrets.Source, error) {
	merged := make(map[string]interface{}, len(secretConfig)+3)
	for k, v := range secretConfig {
		merged[k] = v
	}
	if cfg.Source == secrets.TypeBitwarden {
		creds, err := store.LoadCredentials(ctx, reader, cfg.CredentialService)
		if err != nil {
			return nil, err
		}
		setDefault(merged, "BWS_TOKEN", creds.AccessToken)
		setDefault(merged, "ORGANIZATION_ID", creds.OrganizationID)
		setDefault(merged, "STATE_FILE", creds.StateFile)
	}
	return secrets.New(cfg.Source, merged)
}

func setDefault(m map[string]interface{}, key, value string) {
	if v, ok := m[key].(string); ok && v != "" {
		return
	}
	m[key] = value
}

// build fetches from the source and seals the result into a new container
// with its own key. The fetched map is emptied before returning.
func (l *Loader) build(ctx context.Context, filter secrets.Filter) (*lazy.Container, error) {
	raw, err := l.source.Fetch(ctx, filter)
	defer func() {
		for k := range raw {
			delete(raw, k)
		}
	}()
	if err != nil {
		return nil, err
	}
	key, err := l.deriver.Derive(ctx)
	if err != nil {
		return nil, err
	}
	return lazy.Build(raw, key,
		lazy.WithCipher(l.cipher),
		lazy.WithClock(l.clock),
		lazy.WithTTL(l.cfg.CacheTTL),
	)
}

// Manager exposes the cache manager, for example to pass to
// cache.RegisterExitHook.
func (l *Loader) Manager() *cache.Manager {
	return l.manager
}

// Secrets returns a fresh container, fetching it if needed.
func (l *Loader) Secrets(ctx context.Context) (*lazy.Container, error) {
	return l.manager.EnsureFresh(ctx)
}

// Get returns one secret.
func (l *Loader) Get(ctx context.Context, name string) (string, error) {
	var v string
	err := l.manager.Read(ctx, func(c *lazy.Container) error {
		var err error
		v, err = c.Get(name)
		return err
	})
	return v, err
}

// Refresh fetches again regardless of the cache state.
func (l *Loader) Refresh(ctx context.Context) (*lazy.Container, error) {
	return l.manager.Refresh(ctx)
}

// EnvLoad exports the configured project's secrets as environment
// variables. Existing variables are kept unless override is set. It
// returns the names that were set.
func (l *Loader) EnvLoad(ctx context.Context, override bool) ([]string, error) {
	seen := make(map[string]bool)
	var set []string
	err := l.manager.Read(ctx, func(c *lazy.Container) error {
		names, err := l.export(c, override, seen)
		set = append(set, names...)
		return err
	})
	return set, err
}

// EnvLoadAll exports the secrets of every project. Projects are loaded in
// ID order and an earlier project wins a name collision.
func (l *Loader) EnvLoadAll(ctx context.Context, override bool) ([]string, error) {
	projects, err := l.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var set []string
	for _, p := range projects {
		c, err := l.build(ctx, secrets.Filter{ProjectID: p.ID})
		if err != nil {
			return set, fmt.Errorf("loading project %s: %w", p.ID, err)
		}
		names, err := l.export(c, override, seen)
		c.Destroy()
		set = append(set, names...)
		if err != nil {
			return set, err
		}
	}
	l.log.WithField("projects", len(projects)).Infof("Exported %d secrets", len(set))
	return set, nil
}

func (l *Loader) export(c *lazy.Container, override bool, seen map[string]bool) ([]string, error) {
	var set []string
	names := c.Keys()
	if c.Destroyed() {
		return nil, secrets.ErrCleared
	}
	for _, name := range names {
		if seen[name] {
			continue
		}
		if _, exists := os.LookupEnv(name); exists && !override {
			seen[name] = true
			continue
		}
		v, err := c.Get(name)
		if err != nil {
			return set, err
		}
		if err := os.Setenv(name, v); err != nil {
			return set, fmt.Errorf("exporting %s: %w", name, err)
		}
		seen[name] = true
		set = append(set, name)
	}
	return set, nil
}

// ListProjects returns the backend's projects sorted by ID.
func (l *Loader) ListProjects(ctx context.Context) ([]secrets.Project, error) {
	lister, ok := l.source.(secrets.ProjectLister)
	if !ok {
		return nil, ErrProjectsNotSupported
	}
	projects, err := lister.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// Close invalidates the cached secrets and releases the backend if it holds
// a session.
func (l *Loader) Close() error {
	l.manager.Invalidate()
	if closer, ok := l.source.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// IsMissingCredentials reports whether err means the bootstrap credentials
// were not found.
func IsMissingCredentials(err error) bool {
	var missing *store.ErrMissingCredentials
	return errors.As(err, &missing)
}
