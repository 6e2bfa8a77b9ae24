package cart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/store"
)

type VariantSource interface {
	Variant(ctx context.Context, id string) (*domain.Variant, error)
}

// Aggregator owns each customer's pending lines. It makes no stock or price
// promise; prices are attached when a snapshot is taken.
type Aggregator struct {
	repo    store.CartRepository
	catalog VariantSource
	now     func() time.Time
}

func New(repo store.CartRepository, catalog VariantSource) *Aggregator {
	return &Aggregator{
		repo:    repo,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AddItem merges quantity into the customer's line for variantID. The merged
// line may not exceed store.MaxLineQuantity.
func (a *Aggregator) AddItem(ctx context.Context, customerID string, variantID string, quantity int) (domain.Cart, error) {
	if quantity < 1 || quantity > store.MaxLineQuantity {
		return domain.Cart{}, fmt.Errorf("%w: %d", store.ErrInvalidQuantity, quantity)
	}
	customerID, variantID, err := normalize(customerID, variantID)
	if err != nil {
		return domain.Cart{}, err
	}
	if _, err := a.catalog.Variant(ctx, variantID); err != nil {
		return domain.Cart{}, err
	}

	cart, err := a.repo.AddCartQuantity(ctx, customerID, variantID, quantity)
	if err != nil {
		return domain.Cart{}, err
	}
	logger.FromCtx(ctx).Debug("cart item added",
		zap.String("layer", "cart"),
		zap.String("customer_id", customerID),
		zap.String("variant_id", variantID),
		zap.Int("quantity", quantity),
	)
	return cart, nil
}

// UpdateQuantity sets the line to quantity; anything below 1 removes it.
func (a *Aggregator) UpdateQuantity(ctx context.Context, customerID string, variantID string, quantity int) (domain.Cart, error) {
	if quantity > store.MaxLineQuantity {
		return domain.Cart{}, fmt.Errorf("%w: %d exceeds %d", store.ErrInvalidQuantity, quantity, store.MaxLineQuantity)
	}
	customerID, variantID, err := normalize(customerID, variantID)
	if err != nil {
		return domain.Cart{}, err
	}
	if quantity >= 1 {
		if _, err := a.catalog.Variant(ctx, variantID); err != nil {
			return domain.Cart{}, err
		}
	}
	return a.repo.SetCartQuantity(ctx, customerID, variantID, quantity)
}

func (a *Aggregator) RemoveItem(ctx context.Context, customerID string, variantID string) (domain.Cart, error) {
	customerID, variantID, err := normalize(customerID, variantID)
	if err != nil {
		return domain.Cart{}, err
	}
	return a.repo.RemoveCartLine(ctx, customerID, variantID)
}

func (a *Aggregator) Clear(ctx context.Context, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return store.ErrInvalidInput
	}
	return a.repo.ClearCart(ctx, customerID)
}

// Count is the number of distinct lines, not the summed quantity.
func (a *Aggregator) Count(ctx context.Context, customerID string) (int, error) {
	cart, err := a.repo.GetCart(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return 0, err
	}
	return len(cart.Lines), nil
}

// Snapshot prices every line at the current catalog price. The cart itself
// is left untouched.
func (a *Aggregator) Snapshot(ctx context.Context, customerID string) (domain.CartSnapshot, error) {
	customerID = strings.TrimSpace(customerID)
	cart, err := a.repo.GetCart(ctx, customerID)
	if err != nil {
		return domain.CartSnapshot{}, err
	}

	snap := domain.CartSnapshot{
		CustomerID: customerID,
		Lines:      make([]domain.CartSnapshotLine, 0, len(cart.Lines)),
		TakenAt:    a.now(),
	}
	for _, line := range cart.Lines {
		variant, err := a.catalog.Variant(ctx, line.VariantID)
		if err != nil {
			return domain.CartSnapshot{}, err
		}
		total := variant.PriceCents * int64(line.Quantity)
		snap.Lines = append(snap.Lines, domain.CartSnapshotLine{
			VariantID:      line.VariantID,
			Name:           variant.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: variant.PriceCents,
			LineTotalCents: total,
		})
		snap.TotalCents += total
	}
	snap.ItemCount = len(snap.Lines)
	return snap, nil
}

func normalize(customerID string, variantID string) (string, string, error) {
	customerID = strings.TrimSpace(customerID)
	variantID = strings.ToUpper(strings.TrimSpace(variantID))
	if customerID == "" || variantID == "" {
		return "", "", store.ErrInvalidInput
	}
	return customerID, variantID, nil
}
