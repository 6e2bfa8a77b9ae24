package cache

import (
	"context"
	"time"

	"orderdesk/backend/internal/domain"
)

type VariantCache interface {
	Get(ctx context.Context, variantID string) (*domain.Variant, bool, error)
	Set(ctx context.Context, variant *domain.Variant, ttl time.Duration) error
	Invalidate(ctx context.Context, variantID string) error
}

type NoopVariantCache struct{}

func (NoopVariantCache) Get(_ context.Context, _ string) (*domain.Variant, bool, error) {
	return nil, false, nil
}

func (NoopVariantCache) Set(_ context.Context, _ *domain.Variant, _ time.Duration) error {
	return nil
}

func (NoopVariantCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
