package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/store/memory"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, id string) (*domain.Variant, bool, error) {
	args := m.Called(ctx, id)
	v, _ := args.Get(0).(*domain.Variant)
	return v, args.Bool(1), args.Error(2)
}

func (m *mockCache) Set(ctx context.Context, v *domain.Variant, ttl time.Duration) error {
	return m.Called(ctx, v, ttl).Error(0)
}

func (m *mockCache) Invalidate(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func seededRepo() *memory.Store {
	repo := memory.New()
	repo.SeedVariant(domain.Variant{ID: "A", Name: "Variant A", PriceCents: 1000, Active: true}, 5, 1)
	repo.SeedVariant(domain.Variant{ID: "OLD", Name: "Retired", PriceCents: 1000, Active: false}, 5, 1)
	return repo
}

func TestVariantReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	c := &mockCache{}
	c.On("Get", mock.Anything, "A").Return(nil, false, nil).Once()
	c.On("Set", mock.Anything, mock.MatchedBy(func(v *domain.Variant) bool { return v.ID == "A" }), time.Minute).Return(nil).Once()

	cat := New(seededRepo(), c, time.Minute)
	v, err := cat.Variant(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v.PriceCents)
	c.AssertExpectations(t)
}

func TestVariantServesCacheHit(t *testing.T) {
	c := &mockCache{}
	c.On("Get", mock.Anything, "A").Return(&domain.Variant{ID: "A", PriceCents: 777, Active: true}, true, nil)

	cat := New(memory.New(), c, time.Minute)
	v, err := cat.Variant(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, int64(777), v.PriceCents)
}

func TestVariantSurvivesCacheErrors(t *testing.T) {
	c := &mockCache{}
	c.On("Get", mock.Anything, "A").Return(nil, false, errors.New("redis down"))
	c.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	cat := New(seededRepo(), c, time.Minute)
	v, err := cat.Variant(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "A", v.ID)
}

func TestVariantNotFoundAndInactive(t *testing.T) {
	cat := New(seededRepo(), nil, 0)
	_, err := cat.Variant(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrVariantNotFound)
	_, err = cat.Variant(context.Background(), "OLD")
	assert.ErrorIs(t, err, store.ErrVariantNotFound)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	c := &mockCache{}
	c.On("Invalidate", mock.Anything, "NEW-1").Return(nil).Once()
	cat := New(repo, c, time.Minute)

	created, err := cat.Create(ctx, domain.VariantCreateRequest{ID: " new-1 ", Name: "New", PriceCents: 900, InitialStock: 7, ReorderThreshold: 2}, domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, "NEW-1", created.ID)
	c.AssertExpectations(t)

	st, err := repo.GetStock(ctx, "NEW-1")
	require.NoError(t, err)
	assert.Equal(t, 7, st.Available)
	movements, err := repo.ListMovements(ctx, "NEW-1", 0)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.MovementOpeningBalance, movements[0].Reason)
	assert.Equal(t, "admin", movements[0].Actor)

	_, err = cat.Create(ctx, domain.VariantCreateRequest{ID: "NEW-1", Name: "Again", PriceCents: 900}, domain.Actor{})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = cat.Create(ctx, domain.VariantCreateRequest{ID: "X", Name: "Bad", PriceCents: 900, InitialStock: -1}, domain.Actor{})
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)

	_, err = cat.Create(ctx, domain.VariantCreateRequest{ID: "X", Name: "Gold", PriceCents: store.MaxPriceCents + 1}, domain.Actor{})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}
