// Package lazy holds fetched secrets encrypted in memory and decrypts a
// single value only when it is asked for by name.
//
// A Container is built once from a batch of raw values. Every value is
// sealed under the container's key at build time and the plaintext is not
// kept. Get opens one ciphertext, hands the result to the caller and keeps
// nothing. Names, counts and membership are answered without decrypting.
//
// The protection is best-effort: it shortens the window in which secrets sit
// in memory as plaintext. Go strings cannot be wiped, so callers that care
// should prefer GetBytes and clear the returned slice after use.
package lazy

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/pkg/aead"
	"github.com/toruvault/secrets/pkg/keyderiv"
	"k8s.io/utils/clock"
)

// DefaultTTL is how long a container is considered fresh.
const DefaultTTL = 5 * time.Minute

var errNoKey = errors.New("container key is missing or destroyed")

// Container is an immutable set of encrypted secrets. It is safe for
// concurrent use.
type Container struct {
	// mu excludes Destroy while a read is using the key.
	mu        sync.RWMutex
	entries   map[string][]byte
	key       *keyderiv.Key
	cipher    aead.Cipher
	createdAt time.Time
	ttl       time.Duration
	destroyed bool
}

type options struct {
	cipher aead.Cipher
	clock  clock.PassiveClock
	ttl    time.Duration
}

// Option configures Build.
type Option func(*options)

// WithCipher selects the cipher used to seal entries. Defaults to AES-256-GCM.
func WithCipher(c aead.Cipher) Option {
	return func(o *options) {
		if c != nil {
			o.cipher = c
		}
	}
}

// WithClock sets the clock used to stamp the creation time.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithTTL sets the freshness window recorded on the container.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// Build seals every value in raw under key and returns the container. The
// container takes ownership of key: it is destroyed with the container, or
// immediately if Build fails. raw is not modified and can be dropped by the
// caller once Build returns.
func Build(raw map[string]string, key *keyderiv.Key, opts ...Option) (*Container, error) {
	o := options{
		cipher: aead.AESGCM{},
		clock:  clock.RealClock{},
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !key.Alive() {
		return nil, &secrets.ErrKeyDerivation{Reason: errNoKey.Error()}
	}

	entries := make(map[string][]byte, len(raw))
	for name, value := range raw {
		plaintext := []byte(value)
		ct, err := o.cipher.Seal(key.Bytes(), plaintext, []byte(name))
		memguard.WipeBytes(plaintext)
		if err != nil {
			key.Destroy()
			return nil, err
		}
		entries[name] = ct
	}

	return &Container{
		entries:   entries,
		key:       key,
		cipher:    o.cipher,
		createdAt: o.clock.Now(),
		ttl:       o.ttl,
	}, nil
}

// CreatedAt is when the container was built.
func (c *Container) CreatedAt() time.Time {
	return c.createdAt
}

// TTL is the freshness window the container was built with.
func (c *Container) TTL() time.Duration {
	return c.ttl
}

// Cipher returns the name of the cipher sealing the entries.
func (c *Container) Cipher() string {
	return c.cipher.Name()
}

// Get decrypts and returns one secret.
func (c *Container) Get(name string) (string, error) {
	b, err := c.GetBytes(name)
	if err != nil {
		return "", err
	}
	s := string(b)
	memguard.WipeBytes(b)
	return s, nil
}

// GetBytes decrypts one secret into a new slice owned by the caller.
func (c *Container) GetBytes(name string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.destroyed {
		return nil, secrets.ErrCleared
	}
	ct, ok := c.entries[name]
	if !ok {
		return nil, &secrets.ErrKeyNotFound{Name: name}
	}
	return c.open(name, ct)
}

func (c *Container) open(name string, ct []byte) ([]byte, error) {
	plaintext, err := c.cipher.Open(c.key.Bytes(), ct, []byte(name))
	if err != nil {
		var decErr *secrets.ErrDecryption
		if errors.As(err, &decErr) {
			return nil, &secrets.ErrDecryption{Name: name, Cause: decErr.Cause}
		}
		return nil, &secrets.ErrDecryption{Name: name, Cause: err}
	}
	return plaintext, nil
}

// GetAll decrypts every entry now and returns them in a new map. Either
// all entries are returned or none.
func (c *Container) GetAll() (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.destroyed {
		return nil, secrets.ErrCleared
	}
	out := make(map[string]string, len(c.entries))
	for name, ct := range c.entries {
		b, err := c.open(name, ct)
		if err != nil {
			return nil, err
		}
		out[name] = string(b)
		memguard.WipeBytes(b)
	}
	return out, nil
}

// Contains reports whether name is present. It never decrypts.
func (c *Container) Contains(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// Keys returns the secret names in sorted order. It never decrypts.
func (c *Container) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of secrets held.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Range calls fn for each name in sorted order until fn returns false.
func (c *Container) Range(fn func(name string) bool) {
	for _, name := range c.Keys() {
		if !fn(name) {
			return
		}
	}
}

// Destroyed reports whether Destroy has been called.
func (c *Container) Destroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// Destroy wipes the key and drops every ciphertext. Later reads return
// secrets.ErrCleared. Safe to call more than once.
func (c *Container) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.key.Destroy()
	for name, ct := range c.entries {
		memguard.WipeBytes(ct)
		delete(c.entries, name)
	}
}
