package orders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/backend/internal/cart"
	"orderdesk/backend/internal/catalog"
	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/ledger"
	"orderdesk/backend/internal/lock"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/store/memory"
	"orderdesk/backend/internal/workflow"
)

var (
	customer  = domain.Actor{Username: "carla", Role: domain.RoleCustomer}
	sales     = domain.Actor{Username: "sam", Role: domain.RoleSalesExecutive}
	admin     = domain.Actor{Username: "ada", Role: domain.RoleAdmin}
	warehouse = domain.Actor{Username: "wes", Role: domain.RoleWarehouse}
)

type fixture struct {
	repo   *memory.Store
	carts  *cart.Aggregator
	ledger *ledger.Ledger
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	repo.SeedVariant(domain.Variant{ID: "A", Name: "Variant A", PriceCents: 1500, Active: true}, 5, 2)
	repo.SeedVariant(domain.Variant{ID: "B", Name: "Variant B", PriceCents: 400, Active: true}, 10, 2)
	locker := lock.NewKeyedMutex()
	carts := cart.New(repo, catalog.New(repo, nil, 0))
	inv := ledger.New(repo, locker)
	return &fixture{repo: repo, carts: carts, ledger: inv, engine: NewEngine(repo, carts, inv, locker)}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	st, err := f.ledger.Stock(context.Background(), id)
	require.NoError(t, err)
	return st.Available
}

func (f *fixture) checkoutA(t *testing.T, qty int) *domain.Order {
	t.Helper()
	ctx := context.Background()
	_, err := f.carts.AddItem(ctx, customer.Username, "A", qty)
	require.NoError(t, err)
	order, err := f.engine.Checkout(ctx, customer, "")
	require.NoError(t, err)
	return order
}

func TestCheckoutReservesStock(t *testing.T) {
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	assert.Equal(t, domain.StatusPendingSalesApproval, order.Status)
	assert.Equal(t, 3, f.stock(t, "A"))
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(1500), order.Items[0].UnitPriceCents)
	assert.Equal(t, int64(3000), order.TotalCents)
	require.Len(t, order.History, 1)
	assert.Equal(t, customer.Username, order.History[0].Actor)
	assert.Equal(t, domain.RoleCustomer, order.History[0].ActorRole)

	n, err := f.carts.Count(context.Background(), customer.Username)
	require.NoError(t, err)
	assert.Zero(t, n, "ordered lines leave the cart")
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Checkout(context.Background(), customer, "")
	assert.ErrorIs(t, err, store.ErrEmptyCart)
}

func TestCheckoutInsufficientStockReportsVariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.carts.AddItem(ctx, customer.Username, "B", 2)
	_, _ = f.carts.AddItem(ctx, customer.Username, "A", 6)

	_, err := f.engine.Checkout(ctx, customer, "")
	var insufficient *store.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "A", insufficient.VariantID)
	assert.Equal(t, 6, insufficient.Requested)
	assert.Equal(t, 5, insufficient.Available)

	assert.Equal(t, 5, f.stock(t, "A"))
	assert.Equal(t, 10, f.stock(t, "B"), "no partial reservation")
	n, _ := f.carts.Count(ctx, customer.Username)
	assert.Equal(t, 2, n, "cart untouched")
	orders, _ := f.engine.List(ctx, domain.OrderFilter{})
	assert.Empty(t, orders)
}

func TestCheckoutRequiresCustomerRole(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Checkout(context.Background(), sales, "")
	assert.ErrorIs(t, err, store.ErrUnauthorized)
}

func TestCheckoutIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.carts.AddItem(ctx, customer.Username, "A", 2)

	first, err := f.engine.Checkout(ctx, customer, "click-1")
	require.NoError(t, err)
	again, err := f.engine.Checkout(ctx, customer, "click-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 3, f.stock(t, "A"))
}

func TestSalesRejectionReleasesStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	updated, err := f.engine.Transition(ctx, order.ID, domain.StatusRejectedBySales, sales, "out of budget")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejectedBySales, updated.Status)
	assert.Equal(t, 5, f.stock(t, "A"))
	require.Len(t, updated.History, 2)
	assert.Equal(t, "out of budget", updated.History[1].Reason)
	assert.Equal(t, sales.Username, updated.History[1].Actor)

	movements, err := f.ledger.Movements(ctx, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.MovementOrderRelease, movements[0].Reason)
	assert.Equal(t, order.ID, movements[0].OrderID)
}

func TestRejectionRequiresReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	for _, reason := range []string{"", "   "} {
		_, err := f.engine.Transition(ctx, order.ID, domain.StatusRejectedBySales, sales, reason)
		assert.ErrorIs(t, err, store.ErrReasonRequired)
	}
	got, _ := f.engine.Get(ctx, order.ID)
	assert.Equal(t, domain.StatusPendingSalesApproval, got.Status)
	assert.Equal(t, 3, f.stock(t, "A"))
}

func TestHappyPathNeverTouchesStockAfterReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	steps := []struct {
		target domain.OrderStatus
		actor  domain.Actor
	}{
		{domain.StatusPendingAdminApproval, sales},
		{domain.StatusPendingWarehouseApproval, admin},
		{domain.StatusConfirmed, warehouse},
		{domain.StatusDispatched, warehouse},
		{domain.StatusDelivered, admin},
	}
	for _, step := range steps {
		updated, err := f.engine.Transition(ctx, order.ID, step.target, step.actor, "")
		require.NoError(t, err, "to %s", step.target)
		assert.Equal(t, step.target, updated.Status)
		assert.Equal(t, 3, f.stock(t, "A"))
	}

	got, _ := f.engine.Get(ctx, order.ID)
	require.Len(t, got.History, 6)
	for i := 1; i < len(got.History); i++ {
		_, ok := workflow.Lookup(got.History[i-1].Status, got.History[i].Status)
		assert.True(t, ok, "history step %d follows an edge", i)
	}
	assert.True(t, workflow.IsTerminal(got.Status))
}

func TestWarehouseCannotApproveBeforeSales(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	_, err := f.engine.Transition(ctx, order.ID, domain.StatusConfirmed, warehouse, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrIllegalTransition) || errors.Is(err, store.ErrUnauthorized))

	got, _ := f.engine.Get(ctx, order.ID)
	assert.Equal(t, domain.StatusPendingSalesApproval, got.Status)
	assert.Len(t, got.History, 1)
}

func TestWrongRoleOnExistingEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 1)

	_, err := f.engine.Transition(ctx, order.ID, domain.StatusPendingAdminApproval, warehouse, "")
	assert.ErrorIs(t, err, store.ErrUnauthorized)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestUnknownOrderAndUnknownStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Transition(ctx, "ord-missing", domain.StatusConfirmed, admin, "")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)

	order := f.checkoutA(t, 1)
	_, err = f.engine.Transition(ctx, order.ID, "SHIPPED", sales, "")
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestSameTargetIsANoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 1)

	first, err := f.engine.Transition(ctx, order.ID, domain.StatusPendingAdminApproval, sales, "")
	require.NoError(t, err)
	second, err := f.engine.Transition(ctx, order.ID, domain.StatusPendingAdminApproval, sales, "")
	require.NoError(t, err)

	assert.Len(t, first.History, 2)
	assert.Len(t, second.History, 2)
	assert.Equal(t, domain.StatusPendingAdminApproval, second.Status)
}

func TestSameTargetNeedsARoleThatActsOnTheStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 1)

	_, err := f.engine.Transition(ctx, order.ID, domain.StatusPendingSalesApproval, warehouse, "")
	assert.ErrorIs(t, err, store.ErrUnauthorized)
}

func TestRevertAndReconfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	steps := []struct {
		target domain.OrderStatus
		actor  domain.Actor
	}{
		{domain.StatusPendingAdminApproval, sales},
		{domain.StatusConfirmed, admin},
		{domain.StatusPendingAdminApproval, admin},
		{domain.StatusConfirmed, admin},
	}
	for _, step := range steps {
		_, err := f.engine.Transition(ctx, order.ID, step.target, step.actor, "")
		require.NoError(t, err)
	}

	got, _ := f.engine.Get(ctx, order.ID)
	statuses := make([]domain.OrderStatus, 0, len(got.History))
	for _, entry := range got.History {
		statuses = append(statuses, entry.Status)
	}
	assert.Equal(t, []domain.OrderStatus{
		domain.StatusPendingSalesApproval,
		domain.StatusPendingAdminApproval,
		domain.StatusConfirmed,
		domain.StatusPendingAdminApproval,
		domain.StatusConfirmed,
	}, statuses)
	assert.Equal(t, 3, f.stock(t, "A"))

	movements, _ := f.ledger.Movements(ctx, "A", 0)
	assert.Len(t, movements, 2, "opening balance and the single reservation")
}

func TestCancelAfterConfirmationReleasesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	for _, step := range []struct {
		target domain.OrderStatus
		actor  domain.Actor
	}{
		{domain.StatusPendingAdminApproval, sales},
		{domain.StatusConfirmed, admin},
	} {
		_, err := f.engine.Transition(ctx, order.ID, step.target, step.actor, "")
		require.NoError(t, err)
	}

	_, err := f.engine.Transition(ctx, order.ID, domain.StatusCancelled, warehouse, "damaged in storage")
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, order.ID, domain.StatusCancelled, warehouse, "damaged in storage")
	require.NoError(t, err, "retry is a no-op")
	assert.Equal(t, 5, f.stock(t, "A"))

	_, err = f.engine.Transition(ctx, order.ID, domain.StatusDispatched, warehouse, "")
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestRacingTransitionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	type result struct {
		target domain.OrderStatus
		err    error
	}
	results := make(chan result, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		target, reason := domain.StatusPendingAdminApproval, ""
		if i%2 == 1 {
			target, reason = domain.StatusRejectedBySales, "duplicate order"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Transition(ctx, order.ID, target, sales, reason)
			results <- result{target, err}
		}()
	}
	wg.Wait()
	close(results)

	got, _ := f.engine.Get(ctx, order.ID)
	require.Len(t, got.History, 2, "exactly one transition is recorded")
	winner := got.Status
	for r := range results {
		if r.target == winner {
			assert.NoError(t, r.err)
		} else {
			assert.ErrorIs(t, r.err, store.ErrIllegalTransition)
		}
	}

	want := 3
	if winner == domain.StatusRejectedBySales {
		want = 5
	}
	assert.Equal(t, want, f.stock(t, "A"))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		buyer := domain.Actor{Username: "buyer-" + string(rune('a'+i)), Role: domain.RoleCustomer}
		_, err := f.carts.AddItem(ctx, buyer.Username, "A", 2)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Checkout(ctx, buyer, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, f.stock(t, "A"))
}

func TestRacingCheckoutsOfOneCartCreateOneOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.carts.AddItem(ctx, customer.Username, "A", 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Checkout(ctx, customer, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrEmptyCart)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, f.stock(t, "A"))
	orders, err := f.repo.ListOrders(ctx, domain.OrderFilter{CustomerID: customer.Username})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

// barrierSnapshotter holds every caller until all of them have priced the cart.
type barrierSnapshotter struct {
	Snapshotter
	wg *sync.WaitGroup
}

func (b barrierSnapshotter) Snapshot(ctx context.Context, customerID string) (domain.CartSnapshot, error) {
	snap, err := b.Snapshotter.Snapshot(ctx, customerID)
	b.wg.Done()
	b.wg.Wait()
	return snap, err
}

func TestCheckoutsOnSeparateInstancesCommitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.carts.AddItem(ctx, customer.Username, "A", 2)
	require.NoError(t, err)

	var barrier sync.WaitGroup
	barrier.Add(2)
	engines := make([]*Engine, 2)
	for i := range engines {
		locker := lock.NewKeyedMutex()
		engines[i] = NewEngine(f.repo, barrierSnapshotter{f.carts, &barrier}, ledger.New(f.repo, locker), locker)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(engines))
	for _, engine := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Checkout(ctx, customer, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, f.stock(t, "A"), "a two-unit cart reserves two units")
}

// editingSnapshotter changes the cart right after it has been priced.
type editingSnapshotter struct {
	carts *cart.Aggregator
}

func (e editingSnapshotter) Snapshot(ctx context.Context, customerID string) (domain.CartSnapshot, error) {
	snap, err := e.carts.Snapshot(ctx, customerID)
	if err != nil {
		return snap, err
	}
	_, err = e.carts.UpdateQuantity(ctx, customerID, "A", 4)
	return snap, err
}

func TestCheckoutRejectsCartEditedAfterPricing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.carts.AddItem(ctx, customer.Username, "A", 2)
	require.NoError(t, err)

	engine := NewEngine(f.repo, editingSnapshotter{f.carts}, f.ledger, lock.NewKeyedMutex())
	_, err = engine.Checkout(ctx, customer, "")
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)

	assert.Equal(t, 5, f.stock(t, "A"))
	c, err := f.repo.GetCart(ctx, customer.Username)
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{VariantID: "A", Quantity: 4}}, c.Lines, "the edit survives")
}

func TestAllowedTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 1)

	resp, err := f.engine.AllowedTransitions(ctx, order.ID, domain.RoleSalesExecutive)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{domain.StatusPendingAdminApproval, domain.StatusRejectedBySales}, resp.Allowed)

	resp, err = f.engine.AllowedTransitions(ctx, order.ID, domain.RoleWarehouse)
	require.NoError(t, err)
	assert.Empty(t, resp.Allowed)

	_, err = f.engine.AllowedTransitions(ctx, "nope", domain.RoleAdmin)
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

type staleRepo struct {
	store.OrderRepository
}

func (s staleRepo) CommitTransition(ctx context.Context, orderID string, expected domain.OrderStatus, entry domain.StatusEntry, movements []domain.StockMovement) (*domain.Order, error) {
	return nil, store.ErrConcurrencyConflict
}

func TestConcurrencyConflictIsReportedNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.checkoutA(t, 2)

	engine := NewEngine(staleRepo{f.repo}, f.carts, f.ledger, lock.NewKeyedMutex())
	_, err := engine.Transition(ctx, order.ID, domain.StatusRejectedBySales, sales, "stale")
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.Equal(t, 3, f.stock(t, "A"), "stock untouched when the commit fails")
}
