// Package keyring stores bootstrap credentials in the OS keyring: the
// Secret Service on Linux, the Keychain on macOS and the Credential Manager
// on Windows.
package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/toruvault/secrets"
	gokeyring "github.com/zalando/go-keyring"
)

const Name = "keyring"

type keyringStore struct {
	defaultService string
}

// New returns a CredentialStore backed by the OS keyring. Keys without a
// service use defaultService, or secrets.DefaultCredentialService when
// that is empty.
func New(defaultService string) secrets.CredentialStore {
	if defaultService == "" {
		defaultService = secrets.DefaultCredentialService
	}
	return &keyringStore{defaultService: defaultService}
}

func (s *keyringStore) String() string {
	return Name
}

func (s *keyringStore) service(key secrets.CredentialKey) string {
	if key.Service == "" {
		return s.defaultService
	}
	return key.Service
}

func (s *keyringStore) Get(ctx context.Context, key secrets.CredentialKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := gokeyring.Get(s.service(key), key.Name)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return "", secrets.ErrCredentialNotFound
	} else if err != nil {
		return "", fmt.Errorf("reading %s/%s from keyring: %w", s.service(key), key.Name, err)
	}
	return v, nil
}

func (s *keyringStore) Set(ctx context.Context, key secrets.CredentialKey, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := gokeyring.Set(s.service(key), key.Name, value); err != nil {
		return fmt.Errorf("writing %s/%s to keyring: %w", s.service(key), key.Name, err)
	}
	return nil
}

// Delete removes the entry. Deleting a missing entry succeeds.
func (s *keyringStore) Delete(ctx context.Context, key secrets.CredentialKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := gokeyring.Delete(s.service(key), key.Name)
	if err != nil && !errors.Is(err, gokeyring.ErrNotFound) {
		return fmt.Errorf("deleting %s/%s from keyring: %w", s.service(key), key.Name, err)
	}
	return nil
}
