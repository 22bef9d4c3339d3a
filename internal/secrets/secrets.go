// Package secrets adapts gregtusar-Basis/pkg/secrets/gcp.go's GCPSecretManager
// into a loader for the single exchange API key/secret pair the core needs,
// keyed by the names configured under gcp.secret_names.
package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
)

type Manager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

func NewManager(ctx context.Context, projectID string, logger *logrus.Logger) (*Manager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	return &Manager{client: client, projectID: projectID, logger: logger}, nil
}

func (m *Manager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.projectID, secretName)
	req := &secretmanagerpb.AccessSecretVersionRequest{Name: name}

	result, err := m.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (m *Manager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := m.GetSecret(ctx, secretName)
	if err != nil {
		m.logger.WithError(err).WithField("secret", secretName).Debug("failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (m *Manager) Close() error {
	return m.client.Close()
}

// Credentials is the pair the Exchange Adapter signs requests with.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Names is the gcp.secret_names configuration subtree.
type Names struct {
	APIKeyName    string
	APISecretName string
}

// Resolve loads api_key/api_secret: from GCP Secret Manager if useSecrets is
// set, else from the literal values already present in config, the way the
// teacher's loadSecretsFromGCP gates on config.GCP.UseSecrets.
func Resolve(ctx context.Context, useSecrets bool, m *Manager, names Names, literalKey, literalSecret string) (Credentials, error) {
	if !useSecrets {
		return Credentials{APIKey: literalKey, APISecret: literalSecret}, nil
	}
	if m == nil {
		return Credentials{}, fmt.Errorf("gcp.use_secrets is set but no secret manager client was constructed")
	}
	key, err := m.GetSecret(ctx, names.APIKeyName)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolving api_key secret: %w", err)
	}
	secret, err := m.GetSecret(ctx, names.APISecretName)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolving api_secret secret: %w", err)
	}
	return Credentials{APIKey: strings.TrimSpace(key), APISecret: strings.TrimSpace(secret)}, nil
}
