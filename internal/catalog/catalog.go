// Package catalog is the local view of variant prices. Lookups are read
// through a VariantCache; cache failures degrade to the repository.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"orderdesk/backend/internal/cache"
	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/store"
)

type Catalog struct {
	repo  store.CatalogRepository
	cache cache.VariantCache
	ttl   time.Duration
	now   func() time.Time
}

func New(repo store.CatalogRepository, variantCache cache.VariantCache, ttl time.Duration) *Catalog {
	if variantCache == nil {
		variantCache = cache.NoopVariantCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Catalog{
		repo:  repo,
		cache: variantCache,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Variant returns an active variant. Inactive and unknown variants both
// report ErrVariantNotFound.
func (c *Catalog) Variant(ctx context.Context, id string) (*domain.Variant, error) {
	log := logger.FromCtx(ctx).With(zap.String("layer", "catalog"), zap.String("variant_id", id))

	cached, ok, err := c.cache.Get(ctx, id)
	if err != nil {
		log.Warn("variant cache read failed", zap.Error(err))
	}
	if ok && cached != nil {
		if !cached.Active {
			return nil, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
		}
		return cached, nil
	}

	variant, err := c.repo.GetVariant(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrVariantNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
		}
		return nil, err
	}
	if err := c.cache.Set(ctx, variant, c.ttl); err != nil {
		log.Warn("variant cache write failed", zap.Error(err))
	}
	if !variant.Active {
		return nil, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
	}
	return variant, nil
}

func (c *Catalog) List(ctx context.Context) ([]domain.VariantWithStock, error) {
	return c.repo.ListVariants(ctx)
}

func (c *Catalog) Create(ctx context.Context, req domain.VariantCreateRequest, actor domain.Actor) (*domain.Variant, error) {
	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	if req.ID == "" || req.Name == "" || req.PriceCents < 1 || req.PriceCents > store.MaxPriceCents || req.ReorderThreshold < 0 {
		return nil, store.ErrInvalidInput
	}
	if req.InitialStock < 0 {
		return nil, store.ErrInvalidQuantity
	}

	now := c.now()
	created, err := c.repo.CreateVariant(ctx, domain.Variant{
		ID:         req.ID,
		Name:       req.Name,
		PriceCents: req.PriceCents,
		Active:     true,
		CreatedAt:  now,
	}, domain.VariantStock{
		VariantID:        req.ID,
		Available:        req.InitialStock,
		ReorderThreshold: req.ReorderThreshold,
		UpdatedAt:        now,
	}, domain.StockMovement{
		VariantID: req.ID,
		Delta:     req.InitialStock,
		Reason:    domain.MovementOpeningBalance,
		Actor:     actor.Username,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if err := c.cache.Invalidate(ctx, created.ID); err != nil {
		logger.FromCtx(ctx).Warn("variant cache invalidate failed", zap.String("variant_id", created.ID), zap.Error(err))
	}
	return created, nil
}
