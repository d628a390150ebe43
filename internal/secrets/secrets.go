package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretJSON(ctx context.Context, name string, v any) error
	// Invalidate drops any cached copy so the next read reaches the backend.
	Invalidate(name string)
}

// secretsManagerAPI is the subset of the Secrets Manager client in use.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager reads string secrets and caches them for ttl. A zero ttl
// disables caching.
type AWSSecretsManager struct {
	client secretsManagerAPI
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string, ttl time.Duration) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg), ttl), nil
}

func newAWSSecretsManager(client secretsManagerAPI, ttl time.Duration) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if cached, ok := s.cache[name]; ok && s.now().Before(cached.expiresAt) {
		s.mu.Unlock()
		return cached.value, nil
	}
	s.mu.Unlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	value := *result.SecretString
	slog.Debug("secret fetched", "secret", name)

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[name] = cachedSecret{
			value:     value,
			expiresAt: s.now().Add(s.ttl),
		}
		s.mu.Unlock()
	}

	return value, nil
}

func (s *AWSSecretsManager) GetSecretJSON(ctx context.Context, name string, v any) error {
	secret, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(secret), v); err != nil {
		return fmt.Errorf("decode secret %s: %w", name, err)
	}
	return nil
}

func (s *AWSSecretsManager) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, name)
}

// InMemorySecretStore backs tests and local runs.
type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}

func (s *InMemorySecretStore) GetSecretJSON(ctx context.Context, name string, v any) error {
	secret, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(secret), v)
}

// Invalidate is a no-op: nothing is cached.
func (s *InMemorySecretStore) Invalidate(name string) {}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
