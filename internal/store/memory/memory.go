package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/logger"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	now             func() time.Time
	variants        map[string]domain.Variant
	stock           map[string]domain.VariantStock
	movements       map[string][]domain.StockMovement
	carts           map[string]map[string]int
	ordersByID      map[string]*domain.Order
	orderIDs        []string
	ordersByIdem    map[string]string
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		now:             func() time.Time { return time.Now().UTC() },
		variants:        make(map[string]domain.Variant),
		stock:           make(map[string]domain.VariantStock),
		movements:       make(map[string][]domain.StockMovement),
		carts:           make(map[string]map[string]int),
		ordersByID:      make(map[string]*domain.Order),
		ordersByIdem:    make(map[string]string),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds one dev account per role. Passwords come from
// SEED_<ROLE>_PASSWORD and fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	accounts := []struct {
		username string
		envKey   string
		fallback string
		role     domain.Role
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"sales", "SEED_SALES_PASSWORD", "sales123", domain.RoleSalesExecutive},
		{"warehouse", "SEED_WAREHOUSE_PASSWORD", "warehouse123", domain.RoleWarehouse},
		{"customer", "SEED_CUSTOMER_PASSWORD", "customer123", domain.RoleCustomer},
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	usedDefaults := false
	for _, a := range accounts {
		password := os.Getenv(a.envKey)
		if password == "" {
			password = a.fallback
			usedDefaults = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			logger.L().Fatal("failed to hash seed password", zap.String("username", a.username), zap.Error(err))
		}
		users[a.username] = domain.UserAccount{
			Username:  a.username,
			Password:  string(hash),
			Role:      a.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	if usedDefaults {
		logger.L().Warn("memory store is using default dev credentials; set SEED_*_PASSWORD to override")
	}
	return users
}

func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	seed := []struct {
		variant   domain.Variant
		stock     int
		threshold int
	}{
		{domain.Variant{ID: "TSHIRT-BLK-M", Name: "Basic Tee Black M", PriceCents: 12900}, 40, 10},
		{domain.Variant{ID: "TSHIRT-BLK-L", Name: "Basic Tee Black L", PriceCents: 12900}, 25, 10},
		{domain.Variant{ID: "HOODIE-GRY-M", Name: "Zip Hoodie Grey M", PriceCents: 34900}, 12, 5},
		{domain.Variant{ID: "HOODIE-GRY-L", Name: "Zip Hoodie Grey L", PriceCents: 34900}, 4, 5},
		{domain.Variant{ID: "CAP-NVY-OS", Name: "Dad Cap Navy", PriceCents: 8900}, 60, 15},
		{domain.Variant{ID: "SOCK-WHT-3P", Name: "Crew Socks 3-Pack", PriceCents: 5900}, 3, 20},
	}
	for _, item := range seed {
		item.variant.Active = true
		s.SeedVariant(item.variant, item.stock, item.threshold)
	}
	return s
}

// SeedVariant installs a variant with an opening-balance movement.
func (s *Store) SeedVariant(variant domain.Variant, stock int, reorderThreshold int) {
	now := s.now()
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = now
	}
	_, err := s.CreateVariant(context.Background(), variant, domain.VariantStock{
		VariantID:        variant.ID,
		Available:        stock,
		ReorderThreshold: reorderThreshold,
		UpdatedAt:        now,
	}, domain.StockMovement{
		VariantID: variant.ID,
		Delta:     stock,
		Reason:    domain.MovementOpeningBalance,
		Actor:     "system",
		CreatedAt: now,
	})
	if err != nil {
		logger.L().Warn("failed to seed variant", zap.String("variant_id", variant.ID), zap.Error(err))
	}
}

func (s *Store) ListVariants(_ context.Context) ([]domain.VariantWithStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.VariantWithStock, 0, len(s.variants))
	for id, v := range s.variants {
		if !v.Active {
			continue
		}
		st := s.stock[id]
		out = append(out, domain.VariantWithStock{Variant: v, Available: st.Available, ReorderThreshold: st.ReorderThreshold})
	}
	slices.SortFunc(out, func(a, b domain.VariantWithStock) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) GetVariant(_ context.Context, id string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[id]
	if !ok {
		return nil, store.ErrVariantNotFound
	}
	return &v, nil
}

func (s *Store) CreateVariant(_ context.Context, variant domain.Variant, stock domain.VariantStock, opening domain.StockMovement) (*domain.Variant, error) {
	if variant.ID == "" || variant.Name == "" || variant.PriceCents < 1 || stock.Available < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.variants[variant.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	now := s.now()
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = now
	}
	stock.VariantID = variant.ID
	if stock.UpdatedAt.IsZero() {
		stock.UpdatedAt = now
	}
	opening.VariantID = variant.ID
	opening.Delta = stock.Available
	s.fillMovement(&opening, now)

	s.variants[variant.ID] = variant
	s.stock[variant.ID] = stock
	s.movements[variant.ID] = append(s.movements[variant.ID], opening)
	return &variant, nil
}

func (s *Store) GetStock(_ context.Context, variantID string) (*domain.VariantStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stock[variantID]
	if !ok {
		return nil, store.ErrVariantNotFound
	}
	st.Name = s.variants[variantID].Name
	return &st, nil
}

func (s *Store) ApplyMovements(_ context.Context, movements []domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMovementsLocked(movements); err != nil {
		return err
	}
	s.applyMovementsLocked(movements)
	return nil
}

func (s *Store) SetStock(_ context.Context, variantID string, stock int, movement domain.StockMovement) (*domain.StockMovement, error) {
	if stock < 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.stock[variantID]
	if !ok {
		return nil, store.ErrVariantNotFound
	}
	now := s.now()
	movement.VariantID = variantID
	movement.Delta = stock - current.Available
	s.fillMovement(&movement, now)

	current.Available = stock
	current.UpdatedAt = now
	s.stock[variantID] = current
	s.movements[variantID] = append(s.movements[variantID], movement)
	return &movement, nil
}

func (s *Store) LowStock(_ context.Context, threshold int) ([]domain.VariantStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.VariantStock, 0, 8)
	for id, st := range s.stock {
		limit := threshold
		if limit <= 0 {
			limit = st.ReorderThreshold
		}
		if st.Available < limit {
			st.Name = s.variants[id].Name
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b domain.VariantStock) int {
		if a.Available != b.Available {
			return a.Available - b.Available
		}
		return strings.Compare(a.VariantID, b.VariantID)
	})
	return out, nil
}

// ListMovements returns the newest movements first.
func (s *Store) ListMovements(_ context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.stock[variantID]; !ok {
		return nil, store.ErrVariantNotFound
	}
	history := s.movements[variantID]
	out := make([]domain.StockMovement, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetCart(_ context.Context, customerID string) (domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cartLocked(customerID), nil
}

func (s *Store) AddCartQuantity(_ context.Context, customerID string, variantID string, quantity int) (domain.Cart, error) {
	if quantity < 1 {
		return domain.Cart{}, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, ok := s.carts[customerID]
	if !ok {
		lines = make(map[string]int)
		s.carts[customerID] = lines
	}
	if quantity > store.MaxLineQuantity || lines[variantID] > store.MaxLineQuantity-quantity {
		return domain.Cart{}, fmt.Errorf("%w: line would exceed %d", store.ErrInvalidQuantity, store.MaxLineQuantity)
	}
	lines[variantID] += quantity
	return s.cartLocked(customerID), nil
}

func (s *Store) SetCartQuantity(_ context.Context, customerID string, variantID string, quantity int) (domain.Cart, error) {
	if quantity > store.MaxLineQuantity {
		return domain.Cart{}, fmt.Errorf("%w: %d exceeds %d", store.ErrInvalidQuantity, quantity, store.MaxLineQuantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if quantity < 1 {
		s.removeLineLocked(customerID, variantID)
		return s.cartLocked(customerID), nil
	}
	lines, ok := s.carts[customerID]
	if !ok {
		lines = make(map[string]int)
		s.carts[customerID] = lines
	}
	lines[variantID] = quantity
	return s.cartLocked(customerID), nil
}

func (s *Store) RemoveCartLine(_ context.Context, customerID string, variantID string) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLineLocked(customerID, variantID)
	return s.cartLocked(customerID), nil
}

func (s *Store) ClearCart(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, customerID)
	return nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, movements []domain.StockMovement, ordered []domain.CartLine) (*domain.Order, error) {
	if order.ID == "" || order.CustomerID == "" || len(order.Items) == 0 || len(order.History) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != "" {
		if existingID, ok := s.ordersByIdem[idemKey(order.CustomerID, order.IdempotencyKey)]; ok {
			return cloneOrder(s.ordersByID[existingID]), nil
		}
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	cart := s.carts[order.CustomerID]
	for _, line := range ordered {
		if cart[line.VariantID] != line.Quantity {
			return nil, fmt.Errorf("%w: cart line %s changed during checkout", store.ErrConcurrencyConflict, line.VariantID)
		}
	}
	if err := s.checkMovementsLocked(movements); err != nil {
		return nil, err
	}

	s.applyMovementsLocked(movements)
	stored := cloneOrder(&order)
	s.ordersByID[order.ID] = stored
	s.orderIDs = append(s.orderIDs, order.ID)
	if order.IdempotencyKey != "" {
		s.ordersByIdem[idemKey(order.CustomerID, order.IdempotencyKey)] = order.ID
	}
	for _, line := range ordered {
		s.removeLineLocked(order.CustomerID, line.VariantID)
	}
	return cloneOrder(stored), nil
}

func (s *Store) CommitTransition(_ context.Context, orderID string, expected domain.OrderStatus, entry domain.StatusEntry, movements []domain.StockMovement) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if order.Status != expected {
		return nil, store.ErrConcurrencyConflict
	}
	if err := s.checkMovementsLocked(movements); err != nil {
		return nil, err
	}

	s.applyMovementsLocked(movements)
	order.History = append(order.History, entry)
	order.Status = entry.Status
	order.UpdatedAt = entry.At
	return cloneOrder(order), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) FindOrderByIdempotencyKey(_ context.Context, customerID string, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ordersByIdem[idemKey(customerID, key)]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return cloneOrder(s.ordersByID[id]), nil
}

// ListOrders returns matching orders oldest first.
func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, 32)
	for _, id := range s.orderIDs {
		order := s.ordersByID[id]
		if !matchesFilter(order, filter) {
			continue
		}
		out = append(out, *cloneOrder(order))
	}
	slices.SortStableFunc(out, func(a, b domain.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCustomer
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrAlreadyExists
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// checkMovementsLocked validates a batch against current stock without
// mutating anything. Deltas on the same variant accumulate in order.
func (s *Store) checkMovementsLocked(movements []domain.StockMovement) error {
	running := make(map[string]int, len(movements))
	for _, m := range movements {
		current, ok := running[m.VariantID]
		if !ok {
			st, exists := s.stock[m.VariantID]
			if !exists {
				return store.ErrVariantNotFound
			}
			current = st.Available
		}
		if current+m.Delta < 0 {
			return &store.InsufficientStockError{VariantID: m.VariantID, Requested: -m.Delta, Available: current}
		}
		running[m.VariantID] = current + m.Delta
	}
	return nil
}

func (s *Store) applyMovementsLocked(movements []domain.StockMovement) {
	now := s.now()
	for _, m := range movements {
		s.fillMovement(&m, now)
		st := s.stock[m.VariantID]
		st.Available += m.Delta
		st.UpdatedAt = now
		s.stock[m.VariantID] = st
		s.movements[m.VariantID] = append(s.movements[m.VariantID], m)
	}
}

func (s *Store) fillMovement(m *domain.StockMovement, now time.Time) {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
}

func (s *Store) cartLocked(customerID string) domain.Cart {
	cart := domain.Cart{CustomerID: customerID, Lines: []domain.CartLine{}}
	for variantID, qty := range s.carts[customerID] {
		cart.Lines = append(cart.Lines, domain.CartLine{VariantID: variantID, Quantity: qty})
	}
	slices.SortFunc(cart.Lines, func(a, b domain.CartLine) int {
		return strings.Compare(a.VariantID, b.VariantID)
	})
	return cart
}

func (s *Store) removeLineLocked(customerID string, variantID string) {
	lines, ok := s.carts[customerID]
	if !ok {
		return
	}
	delete(lines, variantID)
	if len(lines) == 0 {
		delete(s.carts, customerID)
	}
}

func matchesFilter(order *domain.Order, filter domain.OrderFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
		return false
	}
	if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
		return false
	}
	if !filter.CreatedFrom.IsZero() && order.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && !order.CreatedAt.Before(filter.CreatedTo) {
		return false
	}
	if filter.ActedBy != "" {
		acted := slices.ContainsFunc(order.History, func(e domain.StatusEntry) bool {
			return e.Actor == filter.ActedBy
		})
		if !acted {
			return false
		}
	}
	return true
}

func idemKey(customerID string, key string) string {
	return customerID + "\x00" + key
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	out := *src
	out.Items = slices.Clone(src.Items)
	out.History = slices.Clone(src.History)
	return &out
}
