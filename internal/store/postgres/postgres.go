package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/xid"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListVariants(ctx context.Context) ([]domain.VariantWithStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.name, v.price_cents, v.active, v.created_at, s.available, s.reorder_threshold
		FROM variants v
		JOIN inventory_stocks s ON s.variant_id = v.id
		WHERE v.active = true
		ORDER BY v.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make([]domain.VariantWithStock, 0, 64)
	for rows.Next() {
		var v domain.VariantWithStock
		if err := rows.Scan(&v.ID, &v.Name, &v.PriceCents, &v.Active, &v.CreatedAt, &v.Available, &v.ReorderThreshold); err != nil {
			return nil, err
		}
		v.CreatedAt = v.CreatedAt.UTC()
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return variants, nil
}

func (s *Store) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	var v domain.Variant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price_cents, active, created_at
		FROM variants
		WHERE id = $1
	`, id).Scan(&v.ID, &v.Name, &v.PriceCents, &v.Active, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrVariantNotFound
		}
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.Variant, stock domain.VariantStock, opening domain.StockMovement) (*domain.Variant, error) {
	if variant.ID == "" || variant.Name == "" || variant.PriceCents < 1 || stock.Available < 0 {
		return nil, store.ErrInvalidInput
	}
	now := s.now()
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = now
	}
	opening.VariantID = variant.ID
	opening.Delta = stock.Available
	fillMovement(&opening, now)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO variants (id, name, price_cents, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, variant.ID, variant.Name, variant.PriceCents, variant.Active, variant.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_stocks (variant_id, available, reorder_threshold, updated_at)
		VALUES ($1,$2,$3,$4)
	`, variant.ID, stock.Available, stock.ReorderThreshold, now)
	if err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, opening); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &variant, nil
}

func (s *Store) GetStock(ctx context.Context, variantID string) (*domain.VariantStock, error) {
	var st domain.VariantStock
	err := s.db.QueryRowContext(ctx, `
		SELECT s.variant_id, v.name, s.available, s.reorder_threshold, s.updated_at
		FROM inventory_stocks s
		JOIN variants v ON v.id = s.variant_id
		WHERE s.variant_id = $1
	`, variantID).Scan(&st.VariantID, &st.Name, &st.Available, &st.ReorderThreshold, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrVariantNotFound
		}
		return nil, err
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

func (s *Store) ApplyMovements(ctx context.Context, movements []domain.StockMovement) error {
	if len(movements) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.applyMovements(ctx, tx, movements); err != nil {
		return err
	}
	return conflictOnSerialization(tx.Commit())
}

func (s *Store) SetStock(ctx context.Context, variantID string, stock int, movement domain.StockMovement) (*domain.StockMovement, error) {
	if stock < 0 {
		return nil, store.ErrInvalidQuantity
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT available
		FROM inventory_stocks
		WHERE variant_id = $1
		FOR UPDATE
	`, variantID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrVariantNotFound
		}
		return nil, err
	}

	now := s.now()
	movement.VariantID = variantID
	movement.Delta = stock - current
	fillMovement(&movement, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory_stocks
		SET available = $2, updated_at = $3
		WHERE variant_id = $1
	`, variantID, stock, now)
	if err != nil {
		return nil, err
	}
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}

	if err := conflictOnSerialization(tx.Commit()); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) LowStock(ctx context.Context, threshold int) ([]domain.VariantStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.variant_id, v.name, s.available, s.reorder_threshold, s.updated_at
		FROM inventory_stocks s
		JOIN variants v ON v.id = s.variant_id
		WHERE s.available < CASE WHEN $1 > 0 THEN $1 ELSE s.reorder_threshold END
		ORDER BY s.available ASC, s.variant_id ASC
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.VariantStock, 0, 8)
	for rows.Next() {
		var st domain.VariantStock
		if err := rows.Scan(&st.VariantID, &st.Name, &st.Available, &st.ReorderThreshold, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.UpdatedAt = st.UpdatedAt.UTC()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = math.MaxInt32
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM inventory_stocks WHERE variant_id = $1)`, variantID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrVariantNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, variant_id, delta, reason, note, actor, COALESCE(order_id, ''), created_at
		FROM stock_movements
		WHERE variant_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, variantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.VariantID, &m.Delta, &m.Reason, &m.Note, &m.Actor, &m.OrderID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetCart(ctx context.Context, customerID string) (domain.Cart, error) {
	return loadCart(ctx, s.db, customerID)
}

func (s *Store) AddCartQuantity(ctx context.Context, customerID string, variantID string, quantity int) (domain.Cart, error) {
	if quantity < 1 || quantity > store.MaxLineQuantity {
		return domain.Cart{}, fmt.Errorf("%w: %d", store.ErrInvalidQuantity, quantity)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (customer_id, variant_id, quantity, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (customer_id, variant_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
		WHERE cart_items.quantity + EXCLUDED.quantity <= $5
	`, customerID, variantID, quantity, s.now(), store.MaxLineQuantity)
	if err != nil {
		return domain.Cart{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Cart{}, err
	}
	if affected == 0 {
		return domain.Cart{}, fmt.Errorf("%w: line would exceed %d", store.ErrInvalidQuantity, store.MaxLineQuantity)
	}
	return loadCart(ctx, s.db, customerID)
}

func (s *Store) SetCartQuantity(ctx context.Context, customerID string, variantID string, quantity int) (domain.Cart, error) {
	if quantity < 1 {
		return s.RemoveCartLine(ctx, customerID, variantID)
	}
	if quantity > store.MaxLineQuantity {
		return domain.Cart{}, fmt.Errorf("%w: %d exceeds %d", store.ErrInvalidQuantity, quantity, store.MaxLineQuantity)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (customer_id, variant_id, quantity, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (customer_id, variant_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, customerID, variantID, quantity, s.now())
	if err != nil {
		return domain.Cart{}, err
	}
	return loadCart(ctx, s.db, customerID)
}

func (s *Store) RemoveCartLine(ctx context.Context, customerID string, variantID string) (domain.Cart, error) {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE customer_id = $1 AND variant_id = $2`, customerID, variantID)
	if err != nil {
		return domain.Cart{}, err
	}
	return loadCart(ctx, s.db, customerID)
}

func (s *Store) ClearCart(ctx context.Context, customerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE customer_id = $1`, customerID)
	return err
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, movements []domain.StockMovement, ordered []domain.CartLine) (*domain.Order, error) {
	if order.ID == "" || order.CustomerID == "" || len(order.Items) == 0 || len(order.History) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if order.IdempotencyKey != "" {
		existingID, err := findOrderIDByIdempotency(ctx, tx, order.CustomerID, order.IdempotencyKey)
		if err == nil {
			_ = tx.Rollback()
			return s.GetOrder(ctx, existingID)
		}
		if !errors.Is(err, store.ErrOrderNotFound) {
			return nil, err
		}
	}

	for _, line := range ordered {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM cart_items
			WHERE customer_id = $1 AND variant_id = $2 AND quantity = $3
		`, order.CustomerID, line.VariantID, line.Quantity)
		if err != nil {
			return nil, conflictOnSerialization(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected != 1 {
			return nil, fmt.Errorf("%w: cart line %s changed during checkout", store.ErrConcurrencyConflict, line.VariantID)
		}
	}

	if err := s.applyMovements(ctx, tx, movements); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, total_cents, status, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, order.ID, order.CustomerID, order.TotalCents, order.Status, nullIfEmpty(order.IdempotencyKey), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if order.IdempotencyKey != "" {
				_ = tx.Rollback()
				if existing, lookupErr := s.FindOrderByIdempotencyKey(ctx, order.CustomerID, order.IdempotencyKey); lookupErr == nil {
					return existing, nil
				}
			}
			return nil, store.ErrAlreadyExists
		}
		return nil, conflictOnSerialization(err)
	}

	for i, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, variant_id, name, quantity, unit_price_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, order.ID, i, item.VariantID, item.Name, item.Quantity, item.UnitPriceCents, item.LineTotalCents)
		if err != nil {
			return nil, err
		}
	}
	for _, entry := range order.History {
		if err := insertStatusEntry(ctx, tx, order.ID, entry); err != nil {
			return nil, err
		}
	}
	if err := conflictOnSerialization(tx.Commit()); err != nil {
		return nil, err
	}

	created := order
	created.Items = slices.Clone(order.Items)
	created.History = slices.Clone(order.History)
	return &created, nil
}

func (s *Store) CommitTransition(ctx context.Context, orderID string, expected domain.OrderStatus, entry domain.StatusEntry, movements []domain.StockMovement) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.OrderStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, conflictOnSerialization(err)
	}
	if current != expected {
		return nil, store.ErrConcurrencyConflict
	}

	if err := s.applyMovements(ctx, tx, movements); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, orderID, entry.Status, entry.At)
	if err != nil {
		return nil, conflictOnSerialization(err)
	}
	if err := insertStatusEntry(ctx, tx, orderID, entry); err != nil {
		return nil, err
	}

	if err := conflictOnSerialization(tx.Commit()); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	var idem sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, total_cents, status, idempotency_key, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.CustomerID, &order.TotalCents, &order.Status, &idem, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, err
	}
	order.IdempotencyKey = idem.String
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	orders := []domain.Order{order}
	if err := s.hydrate(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, customerID string, key string) (*domain.Order, error) {
	id, err := findOrderIDByIdempotency(ctx, s.db, customerID, key)
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, id)
}

// ListOrders returns matching orders oldest first.
func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 8)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			marks = append(marks, arg(string(status)))
		}
		where = append(where, "o.status IN ("+strings.Join(marks, ",")+")")
	}
	if filter.CustomerID != "" {
		where = append(where, "o.customer_id = "+arg(filter.CustomerID))
	}
	if !filter.CreatedFrom.IsZero() {
		where = append(where, "o.created_at >= "+arg(filter.CreatedFrom))
	}
	if !filter.CreatedTo.IsZero() {
		where = append(where, "o.created_at < "+arg(filter.CreatedTo))
	}
	if filter.ActedBy != "" {
		where = append(where, "EXISTS (SELECT 1 FROM order_status_history h WHERE h.order_id = o.id AND h.actor = "+arg(filter.ActedBy)+")")
	}

	query := `SELECT o.id, o.customer_id, o.total_cents, o.status, o.idempotency_key, o.created_at, o.updated_at FROM orders o`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY o.created_at ASC, o.id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 32)
	for rows.Next() {
		var order domain.Order
		var idem sql.NullString
		if err := rows.Scan(&order.ID, &order.CustomerID, &order.TotalCents, &order.Status, &idem, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		order.IdempotencyKey = idem.String
		order.CreatedAt = order.CreatedAt.UTC()
		order.UpdatedAt = order.UpdatedAt.UTC()
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCustomer
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// applyMovements locks every touched stock row in variant id order, checks
// that no running total goes negative, then writes the deltas and the
// movement log.
func (s *Store) applyMovements(ctx context.Context, tx *sql.Tx, movements []domain.StockMovement) error {
	if len(movements) == 0 {
		return nil
	}

	ids := make([]string, 0, len(movements))
	for _, m := range movements {
		if !slices.Contains(ids, m.VariantID) {
			ids = append(ids, m.VariantID)
		}
	}
	slices.Sort(ids)

	running := make(map[string]int, len(ids))
	for _, id := range ids {
		var available int
		err := tx.QueryRowContext(ctx, `
			SELECT available
			FROM inventory_stocks
			WHERE variant_id = $1
			FOR UPDATE
		`, id).Scan(&available)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrVariantNotFound
			}
			return conflictOnSerialization(err)
		}
		running[id] = available
	}

	for _, m := range movements {
		current := running[m.VariantID]
		if current+m.Delta < 0 {
			return &store.InsufficientStockError{VariantID: m.VariantID, Requested: -m.Delta, Available: current}
		}
		running[m.VariantID] = current + m.Delta
	}

	now := s.now()
	for _, m := range movements {
		fillMovement(&m, now)
		_, err := tx.ExecContext(ctx, `
			UPDATE inventory_stocks
			SET available = available + $2, updated_at = $3
			WHERE variant_id = $1
		`, m.VariantID, m.Delta, now)
		if err != nil {
			return conflictOnSerialization(err)
		}
		if err := insertMovement(ctx, tx, m); err != nil {
			return err
		}
	}
	return nil
}

// hydrate loads items and history for orders in two queries.
func (s *Store) hydrate(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	marks := make([]string, 0, len(orders))
	args := make([]any, 0, len(orders))
	for i := range orders {
		orders[i].Items = []domain.OrderLine{}
		orders[i].History = []domain.StatusEntry{}
		index[orders[i].ID] = i
		args = append(args, orders[i].ID)
		marks = append(marks, fmt.Sprintf("$%d", len(args)))
	}
	in := "(" + strings.Join(marks, ",") + ")"

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT order_id, variant_id, name, quantity, unit_price_cents, line_total_cents
		FROM order_items
		WHERE order_id IN `+in+`
		ORDER BY order_id, position
	`, args...)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var orderID string
		var line domain.OrderLine
		if err := itemRows.Scan(&orderID, &line.VariantID, &line.Name, &line.Quantity, &line.UnitPriceCents, &line.LineTotalCents); err != nil {
			_ = itemRows.Close()
			return err
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	historyRows, err := s.db.QueryContext(ctx, `
		SELECT order_id, status, actor, actor_role, reason, at
		FROM order_status_history
		WHERE order_id IN `+in+`
		ORDER BY order_id, seq
	`, args...)
	if err != nil {
		return err
	}
	defer historyRows.Close()
	for historyRows.Next() {
		var orderID string
		var entry domain.StatusEntry
		if err := historyRows.Scan(&orderID, &entry.Status, &entry.Actor, &entry.ActorRole, &entry.Reason, &entry.At); err != nil {
			return err
		}
		entry.At = entry.At.UTC()
		i := index[orderID]
		orders[i].History = append(orders[i].History, entry)
	}
	return historyRows.Err()
}

func loadCart(ctx context.Context, q queryer, customerID string) (domain.Cart, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT variant_id, quantity
		FROM cart_items
		WHERE customer_id = $1
		ORDER BY variant_id
	`, customerID)
	if err != nil {
		return domain.Cart{}, err
	}
	defer rows.Close()

	cart := domain.Cart{CustomerID: customerID, Lines: []domain.CartLine{}}
	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.VariantID, &line.Quantity); err != nil {
			return domain.Cart{}, err
		}
		cart.Lines = append(cart.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

func findOrderIDByIdempotency(ctx context.Context, q queryer, customerID string, key string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id
		FROM orders
		WHERE customer_id = $1 AND idempotency_key = $2
	`, customerID, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrOrderNotFound
		}
		return "", err
	}
	return id, nil
}

func insertMovement(ctx context.Context, q queryer, m domain.StockMovement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stock_movements (id, variant_id, delta, reason, note, actor, order_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.VariantID, m.Delta, m.Reason, m.Note, m.Actor, nullIfEmpty(m.OrderID), m.CreatedAt)
	return err
}

func insertStatusEntry(ctx context.Context, q queryer, orderID string, entry domain.StatusEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, actor, actor_role, reason, at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, orderID, entry.Status, entry.Actor, entry.ActorRole, entry.Reason, entry.At)
	return err
}

func fillMovement(m *domain.StockMovement, now time.Time) {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
}

// conflictOnSerialization reports serialization failures and deadlocks as
// ErrConcurrencyConflict so callers see the same error the in-process path
// returns.
func conflictOnSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
