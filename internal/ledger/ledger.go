// Package ledger owns available stock per variant. Every change goes through
// Reserve, Release or SetAbsolute (or a planned batch committed under
// Serialize), is serialized per variant and is recorded as a StockMovement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/lock"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/xid"
)

var tracer = otel.Tracer("orderdesk/ledger")

type Ledger struct {
	repo   store.InventoryRepository
	locker lock.Locker
	now    func() time.Time
}

func New(repo store.InventoryRepository, locker lock.Locker) *Ledger {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Ledger{
		repo:   repo,
		locker: locker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Reserve(ctx context.Context, variantID string, quantity int, actor domain.Actor, orderID string) (*domain.StockMovement, error) {
	return l.single(ctx, "ledger.Reserve", variantID, quantity, -1, domain.MovementOrderReserve, actor, orderID)
}

func (l *Ledger) Release(ctx context.Context, variantID string, quantity int, actor domain.Actor, orderID string) (*domain.StockMovement, error) {
	return l.single(ctx, "ledger.Release", variantID, quantity, 1, domain.MovementOrderRelease, actor, orderID)
}

func (l *Ledger) single(ctx context.Context, op string, variantID string, quantity int, sign int, reason string, actor domain.Actor, orderID string) (*domain.StockMovement, error) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("variant_id", variantID),
		attribute.Int("quantity", quantity),
	))
	defer span.End()

	if quantity < 1 {
		return nil, fmt.Errorf("%w: %d", store.ErrInvalidQuantity, quantity)
	}
	movement := l.movement(variantID, sign*quantity, reason, actor, orderID)
	err := l.Serialize(ctx, []string{variantID}, func(ctx context.Context) error {
		return l.repo.ApplyMovements(ctx, []domain.StockMovement{movement})
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return &movement, nil
}

// SetAbsolute overwrites the variant's available stock. The recorded delta is
// the difference from the value it replaced.
func (l *Ledger) SetAbsolute(ctx context.Context, variantID string, newStock int, actor domain.Actor, note string) (*domain.StockMovement, error) {
	ctx, span := tracer.Start(ctx, "ledger.SetAbsolute", trace.WithAttributes(
		attribute.String("variant_id", variantID),
		attribute.Int("stock", newStock),
	))
	defer span.End()

	if newStock < 0 {
		return nil, fmt.Errorf("%w: %d", store.ErrInvalidQuantity, newStock)
	}

	var recorded *domain.StockMovement
	err := l.Serialize(ctx, []string{variantID}, func(ctx context.Context) error {
		movement := l.movement(variantID, 0, domain.MovementManualSet, actor, "")
		movement.Note = note
		var err error
		recorded, err = l.repo.SetStock(ctx, variantID, newStock, movement)
		return err
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	logger.FromCtx(ctx).Info("stock overwritten",
		zap.String("layer", "ledger"),
		zap.String("variant_id", variantID),
		zap.Int("stock", newStock),
		zap.Int("delta", recorded.Delta),
		zap.String("actor", actor.Username),
		zap.String("note", note),
	)
	return recorded, nil
}

// LowStockBelow lists variants whose available stock is under threshold.
// A threshold <= 0 compares each variant against its own reorder threshold.
func (l *Ledger) LowStockBelow(ctx context.Context, threshold int) ([]domain.VariantStock, error) {
	return l.repo.LowStock(ctx, threshold)
}

func (l *Ledger) Stock(ctx context.Context, variantID string) (*domain.VariantStock, error) {
	return l.repo.GetStock(ctx, variantID)
}

func (l *Ledger) Movements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	return l.repo.ListMovements(ctx, variantID, limit)
}

// PlanReservation builds the movements that reserve every line. Nothing is
// applied until the caller commits them.
func (l *Ledger) PlanReservation(lines []domain.OrderLine, actor domain.Actor, orderID string) ([]domain.StockMovement, error) {
	out := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: %s has quantity %d", store.ErrInvalidQuantity, line.VariantID, line.Quantity)
		}
		out = append(out, l.movement(line.VariantID, -line.Quantity, domain.MovementOrderReserve, actor, orderID))
	}
	return out, nil
}

// PlanRelease is the inverse of PlanReservation.
func (l *Ledger) PlanRelease(lines []domain.OrderLine, actor domain.Actor, orderID string) []domain.StockMovement {
	out := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		out = append(out, l.movement(line.VariantID, line.Quantity, domain.MovementOrderRelease, actor, orderID))
	}
	return out
}

// Serialize runs fn while holding the locks of every listed variant.
func (l *Ledger) Serialize(ctx context.Context, variantIDs []string, fn func(ctx context.Context) error) error {
	keys := make([]string, 0, len(variantIDs))
	for _, id := range variantIDs {
		keys = append(keys, lock.VariantKey(id))
	}
	release, err := l.locker.Acquire(ctx, keys...)
	if err != nil {
		return lockError(err)
	}
	defer release()
	return fn(ctx)
}

func VariantIDs(movements []domain.StockMovement) []string {
	ids := make([]string, 0, len(movements))
	for _, m := range movements {
		ids = append(ids, m.VariantID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (l *Ledger) movement(variantID string, delta int, reason string, actor domain.Actor, orderID string) domain.StockMovement {
	return domain.StockMovement{
		ID:        xid.New("mov"),
		VariantID: variantID,
		Delta:     delta,
		Reason:    reason,
		Actor:     actor.Username,
		OrderID:   orderID,
		CreatedAt: l.now(),
	}
}

func lockError(err error) error {
	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("%w: %w", store.ErrConcurrencyConflict, err)
	}
	return err
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
