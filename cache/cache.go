// Package cache governs the lifetime of lazy secret containers: when they
// go stale, how they are refetched and when they are destroyed.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/lazy"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// DefaultTTL is the freshness window applied when none is configured.
const DefaultTTL = lazy.DefaultTTL

// State of a Manager.
type State int

const (
	// Unavailable means no fetch has succeeded yet.
	Unavailable State = iota
	Fresh
	Expired
	// Cleared is terminal.
	Cleared
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Fresh:
		return "fresh"
	case Expired:
		return "expired"
	case Cleared:
		return "cleared"
	}
	return "unknown"
}

// Policy decides freshness of a container.
type Policy struct {
	TTL       time.Duration
	CreatedAt time.Time
}

// Expired reports whether now is past CreatedAt by more than TTL. A
// non-positive TTL never expires.
func (p Policy) Expired(now time.Time) bool {
	if p.TTL <= 0 {
		return false
	}
	return now.Sub(p.CreatedAt) > p.TTL
}

// FetchFunc pulls secrets from the source and builds a new container.
type FetchFunc func(ctx context.Context) (*lazy.Container, error)

var errNoContainer = errors.New("fetch returned no container")

const refreshKey = "refresh"

// Manager publishes at most one container at a time and replaces it when it
// expires. Readers see either the old or the new container, never a partial
// one.
type Manager struct {
	fetch  FetchFunc
	source string
	ttl    time.Duration
	clock  clock.PassiveClock
	log    *logrus.Entry

	current atomic.Pointer[lazy.Container]
	stale   atomic.Bool

	group singleflight.Group
	// refreshMu serializes refetches, forced or not.
	refreshMu sync.Mutex
	// pubMu guards publication against Invalidate.
	pubMu   sync.Mutex
	cleared bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithClock sets the clock used for expiry decisions.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithSource names the source in logs and errors.
func WithSource(name string) Option {
	return func(m *Manager) {
		m.source = name
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// New returns a Manager in the Unavailable state. Nothing is fetched until
// the first EnsureFresh or Refresh.
func New(fetch FetchFunc, opts ...Option) *Manager {
	m := &Manager{
		fetch:  fetch,
		source: "unknown",
		ttl:    DefaultTTL,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logrus.WithField("component", "cache")
	}
	m.log = m.log.WithField("source", m.source)
	return m
}

// TTL returns the configured freshness window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// State returns the current state.
func (m *Manager) State() State {
	m.pubMu.Lock()
	cleared := m.cleared
	m.pubMu.Unlock()
	if cleared {
		return Cleared
	}
	if m.current.Load() == nil {
		return Unavailable
	}
	if m.IsExpired() {
		return Expired
	}
	return Fresh
}

// Policy returns the policy of the published container. ok is false when
// nothing is published.
func (m *Manager) Policy() (p Policy, ok bool) {
	c := m.current.Load()
	if c == nil {
		return Policy{}, false
	}
	return Policy{TTL: m.ttl, CreatedAt: c.CreatedAt()}, true
}

// IsExpired reports whether the published container must be refetched. It
// is true when nothing is published.
func (m *Manager) IsExpired() bool {
	if m.stale.Load() {
		return true
	}
	p, ok := m.Policy()
	if !ok {
		return true
	}
	return p.Expired(m.clock.Now())
}

// MarkStale forces the next EnsureFresh to refetch.
func (m *Manager) MarkStale() {
	m.stale.Store(true)
}

// Current returns the published container without any freshness check.
func (m *Manager) Current() (*lazy.Container, error) {
	if m.isCleared() {
		return nil, secrets.ErrCleared
	}
	c := m.current.Load()
	if c == nil {
		return nil, secrets.ErrUnavailable
	}
	return c, nil
}

// EnsureFresh returns the published container, refetching it first when it
// is expired or missing. A failed refetch returns *secrets.ErrRefresh; the
// previous container, if any, stays published and readable through Current.
// The returned container is destroyed once a later refresh replaces it;
// Read retries over that.
func (m *Manager) EnsureFresh(ctx context.Context) (*lazy.Container, error) {
	if m.isCleared() {
		return nil, secrets.ErrCleared
	}
	if c := m.current.Load(); c != nil && !m.IsExpired() {
		return c, nil
	}
	return m.refetch(ctx, false)
}

// Read calls fn with a fresh container. A container handed out earlier is
// destroyed when a refresh replaces it, so when fn fails with
// secrets.ErrCleared while the manager itself is not cleared, Read fetches
// the current container and calls fn again.
func (m *Manager) Read(ctx context.Context, fn func(c *lazy.Container) error) error {
	for {
		c, err := m.EnsureFresh(ctx)
		if err != nil {
			return err
		}
		err = fn(c)
		if !errors.Is(err, secrets.ErrCleared) || m.isCleared() {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.log.Debug("Container replaced during read; retrying")
	}
}

// Refresh refetches regardless of freshness.
func (m *Manager) Refresh(ctx context.Context) (*lazy.Container, error) {
	if m.isCleared() {
		return nil, secrets.ErrCleared
	}
	return m.refetch(ctx, true)
}

// refetch joins or starts the refetch for key. The fetch itself runs
// detached from the caller's cancellation, since other callers may be
// waiting on it; each caller stops waiting when its own ctx is done.
func (m *Manager) refetch(ctx context.Context, force bool) (*lazy.Container, error) {
	key := refreshKey
	if force {
		key = refreshKey + "-forced"
	}
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.doRefetch(context.WithoutCancel(ctx), force)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*lazy.Container), nil
	}
}

func (m *Manager) doRefetch(ctx context.Context, force bool) (*lazy.Container, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.isCleared() {
		return nil, secrets.ErrCleared
	}
	// Another caller may have refreshed while this one waited.
	if c := m.current.Load(); !force && c != nil && !m.IsExpired() {
		return c, nil
	}

	log := m.log.WithField("refresh_id", uuid.New())
	start := m.clock.Now()
	log.Debug("Fetching secrets")

	next, err := m.fetch(ctx)
	if err == nil && next == nil {
		err = errNoContainer
	}
	if err != nil {
		if m.current.Load() == nil {
			log.WithError(err).Error("Initial fetch failed; secrets unavailable")
		} else {
			log.WithError(err).Warn("Refresh failed; keeping previous secrets")
		}
		return nil, &secrets.ErrRefresh{Source: m.source, Cause: err}
	}

	m.pubMu.Lock()
	if m.cleared {
		m.pubMu.Unlock()
		next.Destroy()
		return nil, secrets.ErrCleared
	}
	old := m.current.Swap(next)
	m.stale.Store(false)
	m.pubMu.Unlock()

	if old != nil {
		old.Destroy()
	}
	log.WithFields(logrus.Fields{
		"count":    next.Len(),
		"ttl":      m.ttl,
		"duration": m.clock.Since(start),
	}).Info("Secrets refreshed")
	return next, nil
}

// Invalidate destroys the published container and moves the manager to
// Cleared. Later reads return secrets.ErrCleared. Safe to call more than
// once.
func (m *Manager) Invalidate() {
	m.pubMu.Lock()
	if m.cleared {
		m.pubMu.Unlock()
		return
	}
	m.cleared = true
	old := m.current.Swap(nil)
	m.pubMu.Unlock()

	if old != nil {
		old.Destroy()
	}
	m.log.Info("Secrets cleared")
}

// Close invalidates the manager.
func (m *Manager) Close() error {
	m.Invalidate()
	return nil
}

func (m *Manager) isCleared() bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	return m.cleared
}
