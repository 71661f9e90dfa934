// Package all links in every secrets backend so that each registers itself
// with the secrets registry.
package all

import (
	_ "github.com/toruvault/secrets/aws/aws_secrets_manager"
	_ "github.com/toruvault/secrets/azure"
	_ "github.com/toruvault/secrets/bitwarden"
	_ "github.com/toruvault/secrets/dcos"
	_ "github.com/toruvault/secrets/docker"
	_ "github.com/toruvault/secrets/gcloud"
	_ "github.com/toruvault/secrets/ibm"
	_ "github.com/toruvault/secrets/k8s"
	_ "github.com/toruvault/secrets/kvdb"
	_ "github.com/toruvault/secrets/vault"
)
