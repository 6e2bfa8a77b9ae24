package domain

import "time"

type Role string

const (
	RoleCustomer       Role = "customer"
	RoleSalesExecutive Role = "sales_executive"
	RoleWarehouse      Role = "warehouse"
	RoleAdmin          Role = "admin"
)

type OrderStatus string

const (
	StatusPendingSalesApproval     OrderStatus = "PENDING_SALES_APPROVAL"
	StatusPendingAdminApproval     OrderStatus = "PENDING_ADMIN_APPROVAL"
	StatusPendingWarehouseApproval OrderStatus = "PENDING_WAREHOUSE_APPROVAL"
	StatusConfirmed                OrderStatus = "CONFIRMED"
	StatusDispatched               OrderStatus = "DISPATCHED"
	StatusDelivered                OrderStatus = "DELIVERED"
	StatusRejectedBySales          OrderStatus = "REJECTED_BY_SALES"
	StatusRejectedByWarehouse      OrderStatus = "REJECTED_BY_WAREHOUSE"
	StatusCancelled                OrderStatus = "CANCELLED"
)

const (
	MovementOrderReserve   = "order-reserve"
	MovementOrderRelease   = "order-release"
	MovementManualSet      = "manual-set"
	MovementOpeningBalance = "opening-balance"
)

type Actor struct {
	Username string
	Role     Role
}

type UserAccount struct {
	Username  string
	Password  string
	Role      Role
	Active    bool
	CreatedAt time.Time
}

type Variant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type VariantStock struct {
	VariantID        string    `json:"variant_id"`
	Name             string    `json:"name,omitempty"`
	Available        int       `json:"available_stock"`
	ReorderThreshold int       `json:"reorder_threshold"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type VariantWithStock struct {
	Variant
	Available        int `json:"available_stock"`
	ReorderThreshold int `json:"reorder_threshold"`
}

type StockMovement struct {
	ID        string    `json:"id"`
	VariantID string    `json:"variant_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Note      string    `json:"note,omitempty"`
	Actor     string    `json:"actor"`
	OrderID   string    `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CartLine struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type Cart struct {
	CustomerID string     `json:"customer_id"`
	Lines      []CartLine `json:"lines"`
}

type CartSnapshotLine struct {
	VariantID      string `json:"variant_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type CartSnapshot struct {
	CustomerID string             `json:"customer_id"`
	Lines      []CartSnapshotLine `json:"lines"`
	ItemCount  int                `json:"item_count"`
	TotalCents int64              `json:"total_cents"`
	TakenAt    time.Time          `json:"taken_at"`
}

type OrderLine struct {
	VariantID      string `json:"variant_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type StatusEntry struct {
	Status    OrderStatus `json:"status"`
	Actor     string      `json:"actor"`
	ActorRole Role        `json:"actor_role"`
	At        time.Time   `json:"at"`
	Reason    string      `json:"reason,omitempty"`
}

type Order struct {
	ID             string        `json:"id"`
	CustomerID     string        `json:"customer_id"`
	Items          []OrderLine   `json:"items"`
	TotalCents     int64         `json:"total_cents"`
	Status         OrderStatus   `json:"status"`
	History        []StatusEntry `json:"history"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type OrderFilter struct {
	Statuses    []OrderStatus
	CustomerID  string
	ActedBy     string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6"`
	Role     Role   `json:"role" validate:"required,oneof=customer sales_executive warehouse admin"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type VariantCreateRequest struct {
	ID               string `json:"id" validate:"required,max=64"`
	Name             string `json:"name" validate:"required,max=200"`
	PriceCents       int64  `json:"price_cents" validate:"gt=0,lte=10000000000"`
	InitialStock     int    `json:"initial_stock" validate:"gte=0"`
	ReorderThreshold int    `json:"reorder_threshold" validate:"gte=0"`
}

type CartAddRequest struct {
	VariantID string `json:"variant_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"max=10000"`
}

type CartUpdateRequest struct {
	Quantity int `json:"quantity" validate:"max=10000"`
}

type CartCountResponse struct {
	CustomerID string `json:"customer_id"`
	Count      int    `json:"count"`
}

type TransitionRequest struct {
	TargetStatus OrderStatus `json:"target_status" validate:"required"`
	Reason       string      `json:"reason,omitempty" validate:"max=500"`
}

type AllowedTransitionsResponse struct {
	OrderID string        `json:"order_id"`
	Status  OrderStatus   `json:"status"`
	Role    Role          `json:"role"`
	Allowed []OrderStatus `json:"allowed"`
}

type StockSetRequest struct {
	Stock *int   `json:"stock" validate:"required"`
	Note  string `json:"note" validate:"max=500"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
}

type DailyOrders struct {
	Date           string              `json:"date"`
	TimeZone       string              `json:"time_zone"`
	Orders         []Order             `json:"orders"`
	CountsByStatus map[OrderStatus]int `json:"counts_by_status"`
	TotalCents     int64               `json:"total_cents"`
}

type StatusAggregate struct {
	Count        int   `json:"count"`
	RevenueCents int64 `json:"revenue_cents"`
}

type ExecutivePerformance struct {
	ExecutiveID       string                          `json:"executive_id"`
	ByStatus          map[OrderStatus]StatusAggregate `json:"by_status"`
	TotalOrders       int                             `json:"total_orders"`
	TotalRevenueCents int64                           `json:"total_revenue_cents"`
}

type LowStockResponse struct {
	Threshold int            `json:"threshold"`
	Items     []VariantStock `json:"items"`
}

type MovementListResponse struct {
	VariantID string          `json:"variant_id"`
	Movements []StockMovement `json:"movements"`
}
