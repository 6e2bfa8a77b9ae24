// Package orders runs the order lifecycle: checkout from a cart snapshot and
// role-gated status transitions with their stock side effects.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/ledger"
	"orderdesk/backend/internal/lock"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/workflow"
	"orderdesk/backend/internal/xid"
)

var tracer = otel.Tracer("orderdesk/orders")

type Snapshotter interface {
	Snapshot(ctx context.Context, customerID string) (domain.CartSnapshot, error)
}

type Engine struct {
	repo   store.OrderRepository
	carts  Snapshotter
	ledger *ledger.Ledger
	locker lock.Locker
	now    func() time.Time
}

func NewEngine(repo store.OrderRepository, carts Snapshotter, inventory *ledger.Ledger, locker lock.Locker) *Engine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Engine{
		repo:   repo,
		carts:  carts,
		ledger: inventory,
		locker: locker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Checkout turns the customer's cart into an order awaiting sales approval.
// Stock for every line is reserved and the ordered lines leave the cart in
// the same commit. Checkouts for one customer are serialized, and a cart
// that changed after it was priced fails with ErrConcurrencyConflict. A
// repeated idempotency key returns the original order.
func (e *Engine) Checkout(ctx context.Context, customer domain.Actor, idempotencyKey string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.Checkout", trace.WithAttributes(attribute.String("customer_id", customer.Username)))
	defer span.End()

	order, err := e.checkout(ctx, customer, strings.TrimSpace(idempotencyKey))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("order_id", order.ID))
	return order, nil
}

func (e *Engine) checkout(ctx context.Context, customer domain.Actor, idempotencyKey string) (*domain.Order, error) {
	log := logger.FromCtx(ctx).With(zap.String("layer", "orders"), zap.String("method", "Checkout"))

	if !workflow.Checkout().Allows(customer.Role) {
		return nil, fmt.Errorf("%w: role %s cannot check out", store.ErrUnauthorized, customer.Role)
	}
	if customer.Username == "" {
		return nil, store.ErrInvalidInput
	}

	release, err := e.locker.Acquire(ctx, lock.CartKey(customer.Username))
	if err != nil {
		return nil, lockError(err)
	}
	defer release()

	if idempotencyKey != "" {
		existing, err := e.repo.FindOrderByIdempotencyKey(ctx, customer.Username, idempotencyKey)
		if err == nil {
			log.Info("checkout replayed", zap.String("order_id", existing.ID), zap.String("idempotency_key", idempotencyKey))
			return existing, nil
		}
		if !errors.Is(err, store.ErrOrderNotFound) {
			return nil, err
		}
	}

	snap, err := e.carts.Snapshot(ctx, customer.Username)
	if err != nil {
		return nil, err
	}
	if len(snap.Lines) == 0 {
		return nil, store.ErrEmptyCart
	}

	now := e.now()
	order := domain.Order{
		ID:             xid.New("ord"),
		CustomerID:     customer.Username,
		Items:          make([]domain.OrderLine, 0, len(snap.Lines)),
		Status:         workflow.Initial,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ordered := make([]domain.CartLine, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		order.Items = append(order.Items, domain.OrderLine{
			VariantID:      line.VariantID,
			Name:           line.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			LineTotalCents: line.UnitPriceCents * int64(line.Quantity),
		})
		order.TotalCents += line.UnitPriceCents * int64(line.Quantity)
		ordered = append(ordered, domain.CartLine{VariantID: line.VariantID, Quantity: line.Quantity})
	}
	order.History = []domain.StatusEntry{{
		Status:    workflow.Initial,
		Actor:     customer.Username,
		ActorRole: customer.Role,
		At:        now,
	}}

	movements, err := e.ledger.PlanReservation(order.Items, customer, order.ID)
	if err != nil {
		return nil, err
	}

	var created *domain.Order
	err = e.ledger.Serialize(ctx, ledger.VariantIDs(movements), func(ctx context.Context) error {
		var err error
		created, err = e.repo.CreateOrder(ctx, order, movements, ordered)
		return err
	})
	if err != nil {
		var insufficient *store.InsufficientStockError
		if errors.As(err, &insufficient) {
			log.Info("checkout rejected",
				zap.String("customer_id", customer.Username),
				zap.String("variant_id", insufficient.VariantID),
				zap.Int("requested", insufficient.Requested),
				zap.Int("available", insufficient.Available),
			)
		}
		return nil, err
	}

	log.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("customer_id", created.CustomerID),
		zap.Int("lines", len(created.Items)),
		zap.Int64("total_cents", created.TotalCents),
	)
	return created, nil
}

// Transition moves an order to target on behalf of actor. Asking for the
// status the order already has is a successful no-op. Calls on the same
// order are serialized; a rejection or cancellation returns the reserved
// stock in the same commit as the status change.
func (e *Engine) Transition(ctx context.Context, orderID string, target domain.OrderStatus, actor domain.Actor, reason string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.Transition", trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("target_status", string(target)),
		attribute.String("actor_role", string(actor.Role)),
	))
	defer span.End()

	order, err := e.transition(ctx, orderID, target, actor, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return order, nil
}

func (e *Engine) transition(ctx context.Context, orderID string, target domain.OrderStatus, actor domain.Actor, reason string) (*domain.Order, error) {
	log := logger.FromCtx(ctx).With(zap.String("layer", "orders"), zap.String("method", "Transition"), zap.String("order_id", orderID))

	release, err := e.locker.Acquire(ctx, lock.OrderKey(orderID))
	if err != nil {
		return nil, lockError(err)
	}
	defer release()

	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if target == order.Status {
		if !workflow.CanHold(order.Status, actor.Role) {
			return nil, fmt.Errorf("%w: role %s does not act on %s orders", store.ErrUnauthorized, actor.Role, order.Status)
		}
		return order, nil
	}

	edge, ok := workflow.Lookup(order.Status, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, order.Status, target)
	}
	if !edge.Allows(actor.Role) {
		return nil, fmt.Errorf("%w: %w: role %s may not move %s -> %s", store.ErrUnauthorized, store.ErrIllegalTransition, actor.Role, order.Status, target)
	}
	reason = strings.TrimSpace(reason)
	if edge.ReasonRequired && reason == "" {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrReasonRequired, order.Status, target)
	}

	entry := domain.StatusEntry{
		Status:    target,
		Actor:     actor.Username,
		ActorRole: actor.Role,
		At:        e.now(),
		Reason:    reason,
	}

	var movements []domain.StockMovement
	if edge.Effect == workflow.EffectRelease {
		movements = e.ledger.PlanRelease(order.Items, actor, order.ID)
	}

	var updated *domain.Order
	commit := func(ctx context.Context) error {
		var err error
		updated, err = e.repo.CommitTransition(ctx, order.ID, order.Status, entry, movements)
		return err
	}
	if len(movements) > 0 {
		err = e.ledger.Serialize(ctx, ledger.VariantIDs(movements), commit)
	} else {
		err = commit(ctx)
	}
	if err != nil {
		return nil, err
	}

	log.Info("order transitioned",
		zap.String("from", string(order.Status)),
		zap.String("to", string(target)),
		zap.String("actor", actor.Username),
		zap.String("actor_role", string(actor.Role)),
		zap.String("reason", reason),
		zap.String("effect", edge.Effect.String()),
	)
	return updated, nil
}

func (e *Engine) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.repo.GetOrder(ctx, orderID)
}

func (e *Engine) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return e.repo.ListOrders(ctx, filter)
}

// AllowedTransitions lists what role may do next with the order.
func (e *Engine) AllowedTransitions(ctx context.Context, orderID string, role domain.Role) (domain.AllowedTransitionsResponse, error) {
	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.AllowedTransitionsResponse{}, err
	}
	return domain.AllowedTransitionsResponse{
		OrderID: order.ID,
		Status:  order.Status,
		Role:    role,
		Allowed: workflow.AllowedTransitions(order.Status, role),
	}, nil
}

func lockError(err error) error {
	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("%w: %w", store.ErrConcurrencyConflict, err)
	}
	return err
}
