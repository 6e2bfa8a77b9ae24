package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"orderdesk/backend/internal/cart"
	"orderdesk/backend/internal/catalog"
	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/ledger"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/orders"
	"orderdesk/backend/internal/projection"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/workflow"
)

const (
	defaultOrderLimit    = 100
	defaultMovementLimit = 50
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	catalog   *catalog.Catalog
	carts     *cart.Aggregator
	orders    *orders.Engine
	ledger    *ledger.Ledger
	projector *projection.Projector
}

func New(catalog *catalog.Catalog, carts *cart.Aggregator, engine *orders.Engine, inventory *ledger.Ledger, projector *projection.Projector) *Service {
	return &Service{
		catalog:   catalog,
		carts:     carts,
		orders:    engine,
		ledger:    inventory,
		projector: projector,
	}
}

func (s *Service) ListVariants(ctx context.Context) ([]domain.VariantWithStock, error) {
	if _, err := requireRole(ctx); err != nil {
		return nil, err
	}
	return s.catalog.List(ctx)
}

func (s *Service) CreateVariant(ctx context.Context, req domain.VariantCreateRequest) (domain.Variant, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Variant{}, err
	}
	created, err := s.catalog.Create(ctx, req, actor)
	if err != nil {
		return domain.Variant{}, err
	}
	s.logAudit(ctx, "variant_create", "variant", created.ID, zap.Int64("price_cents", created.PriceCents), zap.Int("initial_stock", req.InitialStock))
	return *created, nil
}

func (s *Service) GetCart(ctx context.Context) (domain.CartSnapshot, error) {
	actor, err := requireRole(ctx, domain.RoleCustomer)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	return s.carts.Snapshot(ctx, actor.Username)
}

func (s *Service) CartCount(ctx context.Context) (domain.CartCountResponse, error) {
	actor, err := requireRole(ctx, domain.RoleCustomer)
	if err != nil {
		return domain.CartCountResponse{}, err
	}
	n, err := s.carts.Count(ctx, actor.Username)
	if err != nil {
		return domain.CartCountResponse{}, err
	}
	return domain.CartCountResponse{CustomerID: actor.Username, Count: n}, nil
}

func (s *Service) AddCartItem(ctx context.Context, req domain.CartAddRequest) (domain.CartSnapshot, error) {
	actor, err := requireRole(ctx, domain.RoleCustomer)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	if _, err := s.carts.AddItem(ctx, actor.Username, req.VariantID, req.Quantity); err != nil {
		return domain.CartSnapshot{}, err
	}
	return s.carts.Snapshot(ctx, actor.Username)
}

func (s *Service) UpdateCartItem(ctx context.Context, variantID string, req domain.CartUpdateRequest) (domain.CartSnapshot, error) {
	actor, err := requireRole(ctx, domain.RoleCustomer)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	if _, err := s.carts.UpdateQuantity(ctx, actor.Username, variantID, req.Quantity); err != nil {
		return domain.CartSnapshot{}, err
	}
	return s.carts.Snapshot(ctx, actor.Username)
}

func (s *Service) RemoveCartItem(ctx context.Context, variantID string) (domain.CartSnapshot, error) {
	actor, err := requireRole(ctx, domain.RoleCustomer)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	if _, err := s.carts.RemoveItem(ctx, actor.Username, variantID); err != nil {
		return domain.CartSnapshot{}, err
	}
	return s.carts.Snapshot(ctx, actor.Username)
}

func (s *Service) ClearCart(ctx context.Context) error {
	actor, err := requireRole(ctx, domain.RoleCustomer)
	if err != nil {
		return err
	}
	return s.carts.Clear(ctx, actor.Username)
}

func (s *Service) Checkout(ctx context.Context, idempotencyKey string) (domain.Order, error) {
	actor, err := requireRole(ctx, domain.RoleCustomer)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.orders.Checkout(ctx, actor, idempotencyKey)
	if err != nil {
		return domain.Order{}, err
	}
	s.logAudit(ctx, "order_checkout", "order", order.ID, zap.Int64("total_cents", order.TotalCents), zap.Int("lines", len(order.Items)))
	return *order, nil
}

// GetOrder hides other customers' orders behind ErrOrderNotFound.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := requireRole(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if !canSee(actor, order) {
		return domain.Order{}, store.ErrOrderNotFound
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, statuses []domain.OrderStatus, limit int) (domain.OrderListResponse, error) {
	actor, err := requireRole(ctx)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	for _, status := range statuses {
		if !workflow.IsValidStatus(status) {
			return domain.OrderListResponse{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidInput, status)
		}
	}
	if limit <= 0 {
		limit = defaultOrderLimit
	}

	filter := domain.OrderFilter{Statuses: statuses, Limit: limit}
	if actor.Role == domain.RoleCustomer {
		filter.CustomerID = actor.Username
	}
	list, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: list}, nil
}

// PendingQueue returns the queue for role. Staff may look at any desk's
// queue; customers only ever get their own orders.
func (s *Service) PendingQueue(ctx context.Context, role domain.Role) (domain.OrderListResponse, error) {
	actor, err := requireRole(ctx)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	if !workflow.IsValidRole(role) {
		return domain.OrderListResponse{}, fmt.Errorf("%w: unknown role %q", store.ErrInvalidInput, role)
	}
	if actor.Role == domain.RoleCustomer {
		return domain.OrderListResponse{}, fmt.Errorf("%w: customers have no work queue", store.ErrUnauthorized)
	}
	list, err := s.projector.PendingQueue(ctx, role)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: list}, nil
}

func (s *Service) DailyOrders(ctx context.Context, date string) (domain.DailyOrders, error) {
	if _, err := requireRole(ctx, domain.RoleSalesExecutive, domain.RoleWarehouse, domain.RoleAdmin); err != nil {
		return domain.DailyOrders{}, err
	}
	day, err := s.projector.ParseDay(date)
	if err != nil {
		return domain.DailyOrders{}, err
	}
	return s.projector.TodaysOrders(ctx, day)
}

func (s *Service) AllowedTransitions(ctx context.Context, orderID string) (domain.AllowedTransitionsResponse, error) {
	actor, err := requireRole(ctx)
	if err != nil {
		return domain.AllowedTransitionsResponse{}, err
	}
	if actor.Role == domain.RoleCustomer {
		if _, err := s.GetOrder(ctx, orderID); err != nil {
			return domain.AllowedTransitionsResponse{}, err
		}
	}
	return s.orders.AllowedTransitions(ctx, strings.TrimSpace(orderID), actor.Role)
}

func (s *Service) Transition(ctx context.Context, orderID string, req domain.TransitionRequest) (domain.Order, error) {
	actor, err := requireRole(ctx, domain.RoleSalesExecutive, domain.RoleWarehouse, domain.RoleAdmin)
	if err != nil {
		return domain.Order{}, err
	}
	target, _ := workflow.ParseStatus(string(req.TargetStatus))
	order, err := s.orders.Transition(ctx, strings.TrimSpace(orderID), target, actor, req.Reason)
	if err != nil {
		return domain.Order{}, err
	}
	s.logAudit(ctx, "order_transition", "order", order.ID, zap.String("status", string(order.Status)), zap.String("reason", strings.TrimSpace(req.Reason)))
	return *order, nil
}

// ExecutivePerformance is open to admins and to a sales executive looking at
// their own numbers.
func (s *Service) ExecutivePerformance(ctx context.Context, executiveID string) (domain.ExecutivePerformance, error) {
	actor, err := requireRole(ctx, domain.RoleSalesExecutive, domain.RoleAdmin)
	if err != nil {
		return domain.ExecutivePerformance{}, err
	}
	executiveID = strings.TrimSpace(executiveID)
	if actor.Role == domain.RoleSalesExecutive && executiveID != actor.Username {
		return domain.ExecutivePerformance{}, fmt.Errorf("%w: executives may only view their own performance", store.ErrUnauthorized)
	}
	return s.projector.ExecutivePerformance(ctx, executiveID)
}

func (s *Service) LowStock(ctx context.Context, threshold int) (domain.LowStockResponse, error) {
	if _, err := requireRole(ctx, domain.RoleWarehouse, domain.RoleAdmin); err != nil {
		return domain.LowStockResponse{}, err
	}
	return s.projector.LowStockAlerts(ctx, threshold)
}

func (s *Service) Stock(ctx context.Context, variantID string) (domain.VariantStock, error) {
	if _, err := requireRole(ctx, domain.RoleWarehouse, domain.RoleAdmin); err != nil {
		return domain.VariantStock{}, err
	}
	st, err := s.ledger.Stock(ctx, normalizeVariantID(variantID))
	if err != nil {
		return domain.VariantStock{}, err
	}
	return *st, nil
}

func (s *Service) Movements(ctx context.Context, variantID string, limit int) (domain.MovementListResponse, error) {
	if _, err := requireRole(ctx, domain.RoleWarehouse, domain.RoleAdmin); err != nil {
		return domain.MovementListResponse{}, err
	}
	variantID = normalizeVariantID(variantID)
	if limit <= 0 {
		limit = defaultMovementLimit
	}
	movements, err := s.ledger.Movements(ctx, variantID, limit)
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	return domain.MovementListResponse{VariantID: variantID, Movements: movements}, nil
}

func (s *Service) SetStock(ctx context.Context, variantID string, req domain.StockSetRequest) (domain.StockMovement, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if req.Stock == nil {
		return domain.StockMovement{}, fmt.Errorf("%w: stock is required", store.ErrInvalidQuantity)
	}
	movement, err := s.ledger.SetAbsolute(ctx, normalizeVariantID(variantID), *req.Stock, actor, strings.TrimSpace(req.Note))
	if err != nil {
		return domain.StockMovement{}, err
	}
	return *movement, nil
}

// requireRole reads the actor from ctx. With no roles given any
// authenticated actor passes.
func requireRole(ctx context.Context, roles ...domain.Role) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", store.ErrUnauthorized)
	}
	if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, fmt.Errorf("%w: role %s not permitted", store.ErrUnauthorized, actor.Role)
	}
	return actor, nil
}

func canSee(actor domain.Actor, order *domain.Order) bool {
	return actor.Role != domain.RoleCustomer || order.CustomerID == actor.Username
}

func normalizeVariantID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	base := []zap.Field{
		zap.String("layer", "audit"),
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", string(actor.Role)),
	}
	logger.FromCtx(ctx).Info("audit", append(base, fields...)...)
}
