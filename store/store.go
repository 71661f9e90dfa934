// Package store combines credential readers and loads the bootstrap
// credentials a source needs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/toruvault/secrets"
)

// ErrMissingCredentials lists the bootstrap values no reader could supply.
type ErrMissingCredentials struct {
	Fields []string
}

func (e *ErrMissingCredentials) Error() string {
	return fmt.Sprintf("missing credentials: %s", strings.Join(e.Fields, ", "))
}

func (e *ErrMissingCredentials) Is(target error) bool {
	return target == secrets.ErrCredentialNotFound
}

type chain struct {
	readers []secrets.CredentialReader
}

// Chain returns a reader that asks each reader in turn. The first reader
// holding the key wins. Readers failing with anything other than
// secrets.ErrCredentialNotFound are skipped with a warning, so an
// unreachable keyring does not hide values from the environment.
func Chain(readers ...secrets.CredentialReader) secrets.CredentialReader {
	return &chain{readers: readers}
}

func (c *chain) String() string {
	names := make([]string, 0, len(c.readers))
	for _, r := range c.readers {
		names = append(names, r.String())
	}
	return strings.Join(names, ",")
}

func (c *chain) Get(ctx context.Context, key secrets.CredentialKey) (string, error) {
	var errs []error
	for _, r := range c.readers {
		v, err := r.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, secrets.ErrCredentialNotFound) {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"store":      r.String(),
			"credential": key.Name,
		}).Warnf("Failed to read credential: %v", err)
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return "", errors.Join(append([]error{secrets.ErrCredentialNotFound}, errs...)...)
	}
	return "", secrets.ErrCredentialNotFound
}

// LoadCredentials reads the access token, organization id and state file
// path from r under service. Every value is required; the returned
// *ErrMissingCredentials names all that are absent.
func LoadCredentials(ctx context.Context, r secrets.CredentialReader, service string) (secrets.Credentials, error) {
	var (
		creds   secrets.Credentials
		missing []string
	)
	fields := []struct {
		name string
		dst  *string
	}{
		{secrets.CredentialAccessToken, &creds.AccessToken},
		{secrets.CredentialOrganizationID, &creds.OrganizationID},
		{secrets.CredentialStateFile, &creds.StateFile},
	}
	for _, f := range fields {
		v, err := r.Get(ctx, secrets.CredentialKey{Service: service, Name: f.name})
		if errors.Is(err, secrets.ErrCredentialNotFound) || (err == nil && v == "") {
			missing = append(missing, f.name)
			continue
		} else if err != nil {
			return secrets.Credentials{}, err
		}
		*f.dst = v
	}
	if len(missing) > 0 {
		return secrets.Credentials{}, &ErrMissingCredentials{Fields: missing}
	}
	return creds, nil
}

// SaveCredentials writes the non-empty fields of creds to s under service.
func SaveCredentials(ctx context.Context, s secrets.CredentialStore, service string, creds secrets.Credentials) error {
	for name, v := range map[string]string{
		secrets.CredentialAccessToken:    creds.AccessToken,
		secrets.CredentialOrganizationID: creds.OrganizationID,
		secrets.CredentialStateFile:      creds.StateFile,
	} {
		if v == "" {
			continue
		}
		if err := s.Set(ctx, secrets.CredentialKey{Service: service, Name: name}, v); err != nil {
			return err
		}
	}
	return nil
}
