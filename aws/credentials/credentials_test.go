package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticCredentials(t *testing.T) {
	c, err := NewAWSCredentials("AKIA", "shh", "")
	require.NoError(t, err)
	creds, err := c.Get()
	require.NoError(t, err)
	v, err := creds.Get()
	require.NoError(t, err)
	assert.Equal(t, "AKIA", v.AccessKeyID)
	assert.Equal(t, "StaticProvider", v.ProviderName)
}

func TestChainFromEnvironment(t *testing.T) {
	ec2Available = func() bool { return false }
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIAENV")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")

	c, err := NewAWSCredentials("", "", "")
	require.NoError(t, err)
	creds, err := c.Get()
	require.NoError(t, err)
	v, err := creds.Get()
	require.NoError(t, err)
	assert.Equal(t, "AKIAENV", v.AccessKeyID)
}

func TestChainEmpty(t *testing.T) {
	ec2Available = func() bool { return false }
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	t.Setenv("AWS_ACCESS_KEY", "")
	t.Setenv("AWS_SECRET_KEY", "")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", t.TempDir()+"/missing")

	_, err := NewAWSCredentials("", "", "")
	require.Error(t, err)
}
