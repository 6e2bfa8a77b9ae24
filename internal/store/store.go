package store

import (
	"context"
	"errors"
	"fmt"

	"orderdesk/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrOrderNotFound       = errors.New("order not found")
	ErrVariantNotFound     = errors.New("variant not found")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrReasonRequired      = errors.New("reason required")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

const (
	// MaxLineQuantity caps the quantity of a single cart line.
	MaxLineQuantity = 10000
	// MaxPriceCents caps a variant's unit price.
	MaxPriceCents int64 = 10_000_000_000
)

// InsufficientStockError reports which variant could not cover a reservation.
// It matches ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type CatalogRepository interface {
	ListVariants(ctx context.Context) ([]domain.VariantWithStock, error)
	GetVariant(ctx context.Context, id string) (*domain.Variant, error)
	// CreateVariant stores the variant, its stock record and the opening
	// movement in one unit.
	CreateVariant(ctx context.Context, variant domain.Variant, stock domain.VariantStock, opening domain.StockMovement) (*domain.Variant, error)
}

type InventoryRepository interface {
	GetStock(ctx context.Context, variantID string) (*domain.VariantStock, error)
	// ApplyMovements adds every delta to its variant's stock and appends the
	// movements, all or nothing. A delta that would take stock below zero
	// fails with *InsufficientStockError.
	ApplyMovements(ctx context.Context, movements []domain.StockMovement) error
	// SetStock overwrites available stock. The movement's Delta is computed
	// from the stored value and returned.
	SetStock(ctx context.Context, variantID string, stock int, movement domain.StockMovement) (*domain.StockMovement, error)
	// LowStock returns variants with available stock below threshold, or
	// below their own reorder threshold when threshold <= 0.
	LowStock(ctx context.Context, threshold int) ([]domain.VariantStock, error)
	ListMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error)
}

type CartRepository interface {
	GetCart(ctx context.Context, customerID string) (domain.Cart, error)
	// AddCartQuantity merges quantity into the line. A merge that would take
	// the line above MaxLineQuantity fails with ErrInvalidQuantity.
	AddCartQuantity(ctx context.Context, customerID string, variantID string, quantity int) (domain.Cart, error)
	// SetCartQuantity removes the line when quantity < 1.
	SetCartQuantity(ctx context.Context, customerID string, variantID string, quantity int) (domain.Cart, error)
	RemoveCartLine(ctx context.Context, customerID string, variantID string) (domain.Cart, error)
	ClearCart(ctx context.Context, customerID string) error
}

type OrderRepository interface {
	// CreateOrder applies the reservation movements, stores the order and
	// removes the ordered lines from the customer's cart in one unit. Every
	// ordered line must still be in the cart with the same quantity,
	// otherwise nothing is written and ErrConcurrencyConflict is returned.
	// When the order's idempotency key is already used by the same customer
	// the existing order is returned and nothing is written.
	CreateOrder(ctx context.Context, order domain.Order, movements []domain.StockMovement, ordered []domain.CartLine) (*domain.Order, error)
	// CommitTransition appends entry and moves the order to entry.Status,
	// applying movements in the same unit. It fails with
	// ErrConcurrencyConflict when the stored status is not expected.
	CommitTransition(ctx context.Context, orderID string, expected domain.OrderStatus, entry domain.StatusEntry, movements []domain.StockMovement) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, customerID string, key string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogRepository
	InventoryRepository
	CartRepository
	OrderRepository
	UserRepository
}
