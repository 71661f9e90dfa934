package keyderiv

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toruvault/secrets"
)

type fixedSalt struct {
	salt []byte
	err  error
}

func (f fixedSalt) Salt(context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.salt...), nil
}

func fixedIdentity(id string) IdentityFunc {
	return func() (string, error) { return id, nil }
}

func testDeriver(opts ...Option) *Deriver {
	return NewDeriver(append([]Option{WithIterations(1000)}, opts...)...)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey("machine-a/host", []byte("salt"))
	require.NoError(t, err)
	defer k1.Destroy()
	k2, err := DeriveKey("machine-a/host", []byte("salt"))
	require.NoError(t, err)
	defer k2.Destroy()

	require.Len(t, k1.Bytes(), KeySize)
	assert.True(t, bytes.Equal(k1.Bytes(), k2.Bytes()))
	assert.False(t, k1.Weak())
}

func TestDeriveKeyInputsMatter(t *testing.T) {
	base, err := DeriveKey("machine-a/host", []byte("salt"))
	require.NoError(t, err)
	defer base.Destroy()

	otherMachine, err := DeriveKey("machine-b/host", []byte("salt"))
	require.NoError(t, err)
	defer otherMachine.Destroy()

	otherSalt, err := DeriveKey("machine-a/host", []byte("pepper"))
	require.NoError(t, err)
	defer otherSalt.Destroy()

	assert.False(t, bytes.Equal(base.Bytes(), otherMachine.Bytes()))
	assert.False(t, bytes.Equal(base.Bytes(), otherSalt.Bytes()))
}

func TestDeriveKeyNoIdentity(t *testing.T) {
	k, err := DeriveKey("", []byte("salt"))
	require.Nil(t, k)
	var kdErr *secrets.ErrKeyDerivation
	require.True(t, errors.As(err, &kdErr))
}

func TestKeyDestroy(t *testing.T) {
	k, err := DeriveKey(uuid.New(), nil)
	require.NoError(t, err)
	require.True(t, k.Alive())
	assert.True(t, k.Weak())

	k.Destroy()
	assert.False(t, k.Alive())
	assert.Empty(t, k.Bytes())
	k.Destroy()

	var nilKey *Key
	assert.Nil(t, nilKey.Bytes())
	assert.False(t, nilKey.Alive())
	nilKey.Destroy()
}

func TestDeriverUsesFirstSalt(t *testing.T) {
	d := testDeriver(
		WithIdentity(fixedIdentity("m1")),
		WithSaltSources(
			fixedSalt{err: secrets.ErrCredentialNotFound},
			fixedSalt{salt: []byte("second")},
			fixedSalt{salt: []byte("third")},
		),
	)
	k, err := d.Derive(context.Background())
	require.NoError(t, err)
	defer k.Destroy()
	assert.False(t, k.Weak())

	expected := testDeriver(
		WithIdentity(fixedIdentity("m1")),
		WithSaltSources(fixedSalt{salt: []byte("second")}),
	)
	k2, err := expected.Derive(context.Background())
	require.NoError(t, err)
	defer k2.Destroy()
	assert.True(t, bytes.Equal(k.Bytes(), k2.Bytes()))
}

func TestDeriverUnsaltedWarns(t *testing.T) {
	logger, hook := test.NewNullLogger()
	d := testDeriver(
		WithIdentity(fixedIdentity("m1")),
		WithSaltSources(fixedSalt{err: secrets.ErrCredentialNotFound}),
		WithLogger(logrus.NewEntry(logger)),
	)
	k, err := d.Derive(context.Background())
	require.NoError(t, err)
	defer k.Destroy()

	assert.True(t, k.Weak())
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDeriverRequireSalt(t *testing.T) {
	d := testDeriver(
		WithIdentity(fixedIdentity("m1")),
		WithRequireSalt(true),
	)
	k, err := d.Derive(context.Background())
	require.Nil(t, k)
	var kdErr *secrets.ErrKeyDerivation
	require.True(t, errors.As(err, &kdErr))
}

func TestDeriverIdentityFailure(t *testing.T) {
	cause := errors.New("no machine id")
	d := testDeriver(WithIdentity(func() (string, error) { return "", cause }))
	k, err := d.Derive(context.Background())
	require.Nil(t, k)
	require.ErrorIs(t, err, cause)
	var kdErr *secrets.ErrKeyDerivation
	require.True(t, errors.As(err, &kdErr))
}

func TestDeriverSaltSourceFailure(t *testing.T) {
	cause := errors.New("keyring locked")
	d := testDeriver(
		WithIdentity(fixedIdentity("m1")),
		WithSaltSources(fixedSalt{err: cause}),
	)
	_, err := d.Derive(context.Background())
	require.ErrorIs(t, err, cause)
}

func TestEnvSalt(t *testing.T) {
	t.Setenv(EnvKeySalt, "from-env")
	salt, err := EnvSalt("").Salt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), salt)

	_, err = EnvSalt("TORUVAULT_TEST_UNSET_SALT").Salt(context.Background())
	require.ErrorIs(t, err, secrets.ErrCredentialNotFound)
}

type mapReader map[secrets.CredentialKey]string

func (m mapReader) String() string { return "map" }

func (m mapReader) Get(_ context.Context, key secrets.CredentialKey) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", secrets.ErrCredentialNotFound
	}
	return v, nil
}

func TestCredentialSalt(t *testing.T) {
	key := secrets.CredentialKey{Service: secrets.DefaultCredentialService, Name: secrets.CredentialKeySalt}
	salt, err := NewCredentialSalt(mapReader{key: "kr-salt"}).Salt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("kr-salt"), salt)

	_, err = NewCredentialSalt(mapReader{}).Salt(context.Background())
	require.ErrorIs(t, err, secrets.ErrCredentialNotFound)

	_, err = NewCredentialSalt(mapReader{key: ""}).Salt(context.Background())
	require.ErrorIs(t, err, secrets.ErrCredentialNotFound)
}

func TestFromBytes(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, KeySize)
	k, err := FromBytes(raw)
	require.NoError(t, err)
	defer k.Destroy()
	assert.Equal(t, bytes.Repeat([]byte{7}, KeySize), k.Bytes())
	assert.Equal(t, make([]byte, KeySize), raw)

	_, err = FromBytes([]byte("short"))
	var kdErr *secrets.ErrKeyDerivation
	require.True(t, errors.As(err, &kdErr))
}
