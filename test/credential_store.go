package test

import (
	"context"
	"testing"

	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/toruvault/secrets"
)

type credentialStoreTest struct {
	s        secrets.CredentialStore
	key      secrets.CredentialKey
	emptyKey secrets.CredentialKey
	value    string
}

// RunForCredentialStore exercises Set, Get and Delete on a writable
// credential store.
func RunForCredentialStore(store secrets.CredentialStore, t *testing.T) {
	ct := &credentialStoreTest{
		s:        store,
		key:      secrets.CredentialKey{Service: "toruvault_test", Name: "token_" + uuid.New()},
		emptyKey: secrets.CredentialKey{Service: "toruvault_test", Name: "empty_" + uuid.New()},
		value:    uuid.New(),
	}

	ct.TestSet(t)
	ct.TestGet(t)
	ct.TestDelete(t)
}

func (c *credentialStoreTest) TestSet(t *testing.T) {
	err := c.s.Set(context.Background(), c.key, c.value)
	assert.NoError(t, err, "Unexpected error on Set")

	err = c.s.Set(context.Background(), c.emptyKey, "")
	assert.NoError(t, err, "Expected Set with an empty value to succeed")
}

func (c *credentialStoreTest) TestGet(t *testing.T) {
	_, err := c.s.Get(context.Background(), secrets.CredentialKey{Service: "toruvault_test", Name: "dummy"})
	assert.ErrorIs(t, err, secrets.ErrCredentialNotFound, "Expected Get of a missing key to fail")

	v, err := c.s.Get(context.Background(), c.key)
	assert.NoError(t, err, "Expected Get to succeed")
	assert.Equal(t, c.value, v, "Unexpected credential value")
}

func (c *credentialStoreTest) TestDelete(t *testing.T) {
	err := c.s.Delete(context.Background(), c.key)
	assert.NoError(t, err, "Expected Delete to succeed")

	_, err = c.s.Get(context.Background(), c.key)
	assert.ErrorIs(t, err, secrets.ErrCredentialNotFound, "Unexpected error on Get after delete")

	err = c.s.Delete(context.Background(), c.emptyKey)
	assert.NoError(t, err, "Expected Delete to succeed")

	// Delete of a missing key also succeeds
	err = c.s.Delete(context.Background(), secrets.CredentialKey{Service: "toruvault_test", Name: "dummy"})
	assert.NoError(t, err, "Unexpected error on Delete")
}
