// Package keyderiv derives the process local key that protects secrets held
// in memory.
//
// The key is bound to the machine it was derived on and, optionally, to a
// salt kept in the OS keyring or the environment. This defends against
// casual memory scraping and accidental dumps of the process heap. It is not
// a boundary against a privileged attacker on the same host, who can rerun
// the derivation or read the key pages directly, and it is not meant to
// protect data at rest beyond the lifetime of the process.
package keyderiv

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/denisbrodbeck/machineid"
	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of derived keys in bytes.
	KeySize = 32
	// DefaultIterations is the PBKDF2 iteration count.
	DefaultIterations = 100_000

	appID = "toruvault.secrets"
	label = "toruvault/keyderiv/v1"
)

// Key is a derived symmetric key held in locked, guarded memory.
type Key struct {
	buf  *memguard.LockedBuffer
	weak bool
}

// Bytes exposes the key material. The slice is only valid until Destroy
// and must not be retained.
func (k *Key) Bytes() []byte {
	if k == nil || k.buf == nil {
		return nil
	}
	return k.buf.Bytes()
}

// Weak reports whether the key was derived without a salt.
func (k *Key) Weak() bool {
	return k != nil && k.weak
}

// Alive reports whether the key material is still present.
func (k *Key) Alive() bool {
	return k != nil && k.buf != nil && k.buf.IsAlive()
}

// Destroy zeroes and unmaps the key material. Safe to call more than once.
func (k *Key) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}

// IdentityFunc returns a durable identifier of the current host.
type IdentityFunc func() (string, error)

// SaltSource yields an optional salt. Sources that hold no salt return
// secrets.ErrCredentialNotFound.
type SaltSource interface {
	Salt(ctx context.Context) ([]byte, error)
}

// Deriver produces keys from the machine identity and the first salt any
// of its sources can supply.
type Deriver struct {
	identity    IdentityFunc
	salts       []SaltSource
	requireSalt bool
	iterations  int
	log         *logrus.Entry
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithIdentity replaces the machine identity lookup.
func WithIdentity(f IdentityFunc) Option {
	return func(d *Deriver) {
		d.identity = f
	}
}

// WithSaltSources sets the salt sources, consulted in order.
func WithSaltSources(sources ...SaltSource) Option {
	return func(d *Deriver) {
		d.salts = sources
	}
}

// WithRequireSalt makes Derive fail instead of falling back to an
// unsalted key.
func WithRequireSalt(require bool) Option {
	return func(d *Deriver) {
		d.requireSalt = require
	}
}

// WithIterations overrides the PBKDF2 iteration count.
func WithIterations(n int) Option {
	return func(d *Deriver) {
		if n > 0 {
			d.iterations = n
		}
	}
}

// WithLogger sets the logger used for derivation warnings.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Deriver) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDeriver returns a Deriver using the machine identity and no salt
// sources unless configured otherwise.
func NewDeriver(opts ...Option) *Deriver {
	d := &Deriver{
		identity:   MachineIdentity,
		iterations: DefaultIterations,
		log:        logrus.WithField("component", "keyderiv"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Derive returns a fresh Key owned by the caller.
func (d *Deriver) Derive(ctx context.Context) (*Key, error) {
	identity, err := d.identity()
	if err != nil {
		return nil, &secrets.ErrKeyDerivation{Reason: "machine identifier unavailable", Cause: err}
	}
	if identity == "" {
		return nil, &secrets.ErrKeyDerivation{Reason: "machine identifier unavailable"}
	}

	salt, err := d.salt(ctx)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(salt)

	if len(salt) == 0 {
		if d.requireSalt {
			return nil, &secrets.ErrKeyDerivation{Reason: "no salt available and a salt is required"}
		}
		d.log.Warn("No key salt found in keyring or environment; " +
			"deriving the in-memory key from machine identity only")
	}
	return deriveKey(identity, salt, d.iterations)
}

func (d *Deriver) salt(ctx context.Context) ([]byte, error) {
	for _, source := range d.salts {
		salt, err := source.Salt(ctx)
		if errors.Is(err, secrets.ErrCredentialNotFound) {
			continue
		} else if err != nil {
			return nil, &secrets.ErrKeyDerivation{Reason: "reading salt", Cause: err}
		}
		if len(salt) > 0 {
			return salt, nil
		}
	}
	return nil, nil
}

// DeriveKey derives a key from a machine identifier and an optional salt
// with the default iteration count.
func DeriveKey(identity string, salt []byte) (*Key, error) {
	if identity == "" {
		return nil, &secrets.ErrKeyDerivation{Reason: "machine identifier unavailable"}
	}
	return deriveKey(identity, salt, DefaultIterations)
}

func deriveKey(identity string, salt []byte, iterations int) (*Key, error) {
	fingerprint := make([]byte, 0, len(identity)+1+len(salt))
	fingerprint = append(fingerprint, identity...)
	fingerprint = append(fingerprint, 0)
	fingerprint = append(fingerprint, salt...)
	defer memguard.WipeBytes(fingerprint)

	derived := pbkdf2.Key(fingerprint, []byte(label), iterations, KeySize, sha256.New)
	// NewBufferFromBytes wipes derived after copying it into locked memory.
	buf := memguard.NewBufferFromBytes(derived)
	buf.Freeze()
	return &Key{buf: buf, weak: len(salt) == 0}, nil
}

// FromBytes moves raw key material into a Key. b is wiped.
func FromBytes(b []byte) (*Key, error) {
	if len(b) != KeySize {
		memguard.WipeBytes(b)
		return nil, &secrets.ErrKeyDerivation{Reason: fmt.Sprintf("key must be %d bytes", KeySize)}
	}
	buf := memguard.NewBufferFromBytes(b)
	buf.Freeze()
	return &Key{buf: buf}, nil
}

// MachineIdentity combines the platform machine id with the hostname. One of
// the two must be available.
func MachineIdentity() (string, error) {
	id, idErr := machineid.ProtectedID(appID)
	host, hostErr := os.Hostname()
	if idErr != nil && (hostErr != nil || host == "") {
		return "", errors.Join(idErr, hostErr)
	}
	return id + "/" + host, nil
}
