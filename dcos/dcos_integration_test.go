//go:build integration
// +build integration

package dcos

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/test"
)

// TestAll needs the below environment variables to be set to test against
// a enterprise DC/OS cluster as these are integration tests.
func TestAll(t *testing.T) {
	// You can also populate the DCOS_SECRETS_USERNAME, DCOS_SECRETS_PASSWORD and
	// DCOS_CLUSTER_URL environment variables. These are the actual env variables
	// that will be checked if secret config does not have the creds.
	secretConfig := make(map[string]interface{})
	if os.Getenv("DCOS_SECRETS_TEST_USERNAME") != "" {
		secretConfig[EnvSecretsUsername] = os.Getenv("DCOS_SECRETS_TEST_USERNAME")
	}
	if os.Getenv("DCOS_SECRETS_TEST_PASSWORD") != "" {
		secretConfig[EnvSecretsPassword] = os.Getenv("DCOS_SECRETS_TEST_PASSWORD")
	}
	if os.Getenv("DCOS_SECRETS_TEST_CLUSTER_URL") != "" {
		secretConfig[EnvDCOSClusterURL] = os.Getenv("DCOS_SECRETS_TEST_CLUSTER_URL")
	}
	// The secret at DCOS_SECRETS_TEST_PATH must already exist.
	path := os.Getenv("DCOS_SECRETS_TEST_PATH")
	if path == "" {
		t.Skip("DCOS_SECRETS_TEST_PATH not set")
	}
	secretConfig[EnvSecretsPaths] = path

	ds, err := New(secretConfig)
	if err != nil {
		t.Fatalf("Unable to create a dcos secrets client: %v", err)
	}

	got, err := ds.Fetch(context.Background(), secrets.Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	test.RunCanceled(ds, t)
}
