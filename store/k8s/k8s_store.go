// Package k8s keeps bootstrap credentials in Kubernetes Secrets. Each
// credential service maps to one Secret and each credential name to one
// data key in it.
package k8s

import (
	"context"
	"fmt"
	"strings"

	"github.com/portworx/sched-ops/k8s/core"
	"github.com/toruvault/secrets"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const Name = "k8s"

type secretOps interface {
	GetSecret(name string, namespace string) (*corev1.Secret, error)
	CreateSecret(secret *corev1.Secret) (*corev1.Secret, error)
	UpdateSecret(secret *corev1.Secret) (*corev1.Secret, error)
}

var instance = func() secretOps {
	return core.Instance()
}

type k8sStore struct {
	namespace      string
	defaultService string
	ops            secretOps
}

// New returns a CredentialStore over the Secrets in namespace.
func New(namespace, defaultService string) secrets.CredentialStore {
	if namespace == "" {
		namespace = "default"
	}
	if defaultService == "" {
		defaultService = secrets.DefaultCredentialService
	}
	return &k8sStore{
		namespace:      namespace,
		defaultService: defaultService,
		ops:            instance(),
	}
}

func (s *k8sStore) String() string {
	return Name
}

// secretName maps a service onto a valid Secret name.
func (s *k8sStore) secretName(key secrets.CredentialKey) string {
	service := key.Service
	if service == "" {
		service = s.defaultService
	}
	return strings.ToLower(strings.ReplaceAll(service, "_", "-"))
}

func (s *k8sStore) Get(ctx context.Context, key secrets.CredentialKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	secret, err := s.ops.GetSecret(s.secretName(key), s.namespace)
	if k8serrors.IsNotFound(err) {
		return "", secrets.ErrCredentialNotFound
	} else if err != nil {
		return "", fmt.Errorf("Failed to get secret from [%s]. Err: %w", s.secretName(key), err)
	}
	v, exists := secret.Data[key.Name]
	if !exists {
		return "", secrets.ErrCredentialNotFound
	}
	return string(v), nil
}

func (s *k8sStore) Set(ctx context.Context, key secrets.CredentialKey, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := s.secretName(key)
	secret, err := s.ops.GetSecret(name, s.namespace)
	if k8serrors.IsNotFound(err) {
		_, err = s.ops.CreateSecret(&corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: s.namespace},
			Type:       corev1.SecretTypeOpaque,
			Data:       map[string][]byte{key.Name: []byte(value)},
		})
		return err
	} else if err != nil {
		return err
	}
	if secret.Data == nil {
		secret.Data = make(map[string][]byte)
	}
	secret.Data[key.Name] = []byte(value)
	_, err = s.ops.UpdateSecret(secret)
	return err
}

// Delete removes the data key. Deleting a missing key succeeds.
func (s *k8sStore) Delete(ctx context.Context, key secrets.CredentialKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	secret, err := s.ops.GetSecret(s.secretName(key), s.namespace)
	if k8serrors.IsNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	if _, exists := secret.Data[key.Name]; !exists {
		return nil
	}
	delete(secret.Data, key.Name)
	_, err = s.ops.UpdateSecret(secret)
	return err
}
