package secrets

import (
	"errors"
	"fmt"
)

var (
	// ErrSecretNotFound is returned when a name is not present in a container.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrCleared is returned by reads on a container or cache that has been invalidated.
	ErrCleared = errors.New("secrets have been cleared")
	// ErrUnavailable is returned when no container has ever been fetched successfully.
	ErrUnavailable = errors.New("secrets are unavailable")
)

// ErrKeyNotFound is returned when the requested secret name is absent.
// It matches ErrSecretNotFound with errors.Is.
type ErrKeyNotFound struct {
	Name string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("secret %q not found", e.Name)
}

func (e *ErrKeyNotFound) Is(target error) bool {
	return target == ErrSecretNotFound
}

// ErrKeyDerivation is returned when the process key cannot be derived.
type ErrKeyDerivation struct {
	Reason string
	Cause  error
}

func (e *ErrKeyDerivation) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("key derivation failed: %s", e.Reason)
	}
	return fmt.Sprintf("key derivation failed: %s: %v", e.Reason, e.Cause)
}

func (e *ErrKeyDerivation) Unwrap() error {
	return e.Cause
}

// ErrDecryption is returned when a ciphertext does not authenticate under
// the container key. The plaintext is never substituted with a default.
type ErrDecryption struct {
	Name  string
	Cause error
}

func (e *ErrDecryption) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("decryption failed: %v", e.Cause)
	}
	return fmt.Sprintf("decryption of %q failed: %v", e.Name, e.Cause)
}

func (e *ErrDecryption) Unwrap() error {
	return e.Cause
}

// ErrRefresh is returned when refetching from the source failed. Any
// previously fetched container remains usable.
type ErrRefresh struct {
	Source string
	Cause  error
}

func (e *ErrRefresh) Error() string {
	return fmt.Sprintf("refresh from %s failed: %v", e.Source, e.Cause)
}

func (e *ErrRefresh) Unwrap() error {
	return e.Cause
}
