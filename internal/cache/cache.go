package cache

import (
	"context"
	"time"

	"pharmapos/backend/internal/domain"
)

// TokenCache shares gateway access tokens between server instances.
type TokenCache interface {
	Get(ctx context.Context, key string) (*domain.GatewayToken, bool, error)
	Set(ctx context.Context, key string, value *domain.GatewayToken, ttl time.Duration) error
}

type NoopTokenCache struct{}

func (NoopTokenCache) Get(_ context.Context, _ string) (*domain.GatewayToken, bool, error) {
	return nil, false, nil
}

func (NoopTokenCache) Set(_ context.Context, _ string, _ *domain.GatewayToken, _ time.Duration) error {
	return nil
}
