//go:build integration
// +build integration

package aws_secrets_manager

import (
	"os"
	"testing"

	"github.com/toruvault/secrets"
	"github.com/toruvault/secrets/aws/utils"
	"github.com/toruvault/secrets/test"
)

func TestAll(t *testing.T) {
	// Set the relevant environmnet fields for aws.
	secretConfig := make(map[string]interface{})
	secretConfig[utils.AwsRegionKey] = os.Getenv(utils.AwsRegionKey)
	secretConfig[utils.AwsSecretAccessKey] = os.Getenv(utils.AwsSecretAccessKey)
	secretConfig[utils.AwsAccessKey] = os.Getenv(utils.AwsAccessKey)

	s, err := New(secretConfig)
	if err != nil {
		t.Fatalf("Unable to create a AWS Secrets Manager instance: %v", err)
	}
	test.RunForSource(s, []test.SourceCase{{
		Filter:   secrets.Filter{ProjectID: os.Getenv("AWS_TEST_PROJECT")},
		Expected: map[string]string{os.Getenv("AWS_TEST_SECRET"): os.Getenv("AWS_TEST_VALUE")},
	}}, t)
	test.RunCanceled(s, t)
}
