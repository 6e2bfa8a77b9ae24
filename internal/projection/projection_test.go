package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/ledger"
	"orderdesk/backend/internal/lock"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/store/memory"
)

func putOrder(t *testing.T, repo *memory.Store, id string, createdAt time.Time, total int64, history ...domain.StatusEntry) {
	t.Helper()
	if len(history) == 0 {
		history = []domain.StatusEntry{{Status: domain.StatusPendingSalesApproval, Actor: "carla", ActorRole: domain.RoleCustomer, At: createdAt}}
	}
	order := domain.Order{
		ID:         id,
		CustomerID: "carla",
		Items:      []domain.OrderLine{{VariantID: "A", Quantity: 1, UnitPriceCents: total, LineTotalCents: total}},
		TotalCents: total,
		Status:     history[len(history)-1].Status,
		History:    history,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	_, err := repo.CreateOrder(context.Background(), order, nil, nil)
	require.NoError(t, err)
}

func newProjector(t *testing.T, loc *time.Location) (*Projector, *memory.Store) {
	t.Helper()
	repo := memory.New()
	repo.SeedVariant(domain.Variant{ID: "A", Name: "A", PriceCents: 100, Active: true}, 3, 5)
	repo.SeedVariant(domain.Variant{ID: "B", Name: "B", PriceCents: 100, Active: true}, 40, 5)
	return New(repo, ledger.New(repo, lock.NewKeyedMutex()), loc), repo
}

func TestPendingQueue(t *testing.T) {
	ctx := context.Background()
	p, repo := newProjector(t, nil)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	putOrder(t, repo, "o1", base, 100)
	putOrder(t, repo, "o2", base.Add(time.Minute), 100,
		domain.StatusEntry{Status: domain.StatusPendingSalesApproval, Actor: "carla"},
		domain.StatusEntry{Status: domain.StatusPendingAdminApproval, Actor: "sam"},
		domain.StatusEntry{Status: domain.StatusPendingWarehouseApproval, Actor: "ada"},
	)
	putOrder(t, repo, "o3", base.Add(2*time.Minute), 100,
		domain.StatusEntry{Status: domain.StatusDispatched, Actor: "wes"},
	)
	putOrder(t, repo, "o4", base.Add(3*time.Minute), 100,
		domain.StatusEntry{Status: domain.StatusDelivered, Actor: "wes"},
	)

	sales, err := p.PendingQueue(ctx, domain.RoleSalesExecutive)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "o1", sales[0].ID)

	wh, err := p.PendingQueue(ctx, domain.RoleWarehouse)
	require.NoError(t, err)
	require.Len(t, wh, 2)
	assert.Equal(t, "o2", wh[0].ID)
	assert.Equal(t, "o3", wh[1].ID)

	admin, err := p.PendingQueue(ctx, domain.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, admin)

	cust, err := p.PendingQueue(ctx, domain.RoleCustomer)
	require.NoError(t, err)
	assert.NotNil(t, cust)
	assert.Empty(t, cust)
}

func TestTodaysOrdersUsesBusinessTimeZone(t *testing.T) {
	ctx := context.Background()
	jakarta := time.FixedZone("WIB", 7*60*60)
	p, repo := newProjector(t, jakarta)

	// 2026-03-02 in WIB runs from 2026-03-01T17:00Z to 2026-03-02T17:00Z.
	putOrder(t, repo, "before", time.Date(2026, 3, 1, 16, 59, 0, 0, time.UTC), 100)
	putOrder(t, repo, "first", time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC), 250)
	putOrder(t, repo, "second", time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC), 400,
		domain.StatusEntry{Status: domain.StatusRejectedBySales, Actor: "sam"})
	putOrder(t, repo, "after", time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC), 100)

	day, err := p.ParseDay("2026-03-02")
	require.NoError(t, err)
	view, err := p.TodaysOrders(ctx, day)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-02", view.Date)
	assert.Equal(t, "WIB", view.TimeZone)
	require.Len(t, view.Orders, 2)
	assert.Equal(t, "first", view.Orders[0].ID)
	assert.Equal(t, "second", view.Orders[1].ID)
	assert.Equal(t, map[domain.OrderStatus]int{
		domain.StatusPendingSalesApproval: 1,
		domain.StatusRejectedBySales:      1,
	}, view.CountsByStatus)
	assert.Equal(t, int64(650), view.TotalCents)
}

func TestParseDay(t *testing.T) {
	p, _ := newProjector(t, nil)
	fixed := time.Date(2026, 5, 9, 23, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	day, err := p.ParseDay("")
	require.NoError(t, err)
	assert.Equal(t, fixed, day)

	_, err = p.ParseDay("09/05/2026")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestExecutivePerformance(t *testing.T) {
	ctx := context.Background()
	p, repo := newProjector(t, nil)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	putOrder(t, repo, "o1", base, 1000,
		domain.StatusEntry{Status: domain.StatusPendingSalesApproval, Actor: "carla"},
		domain.StatusEntry{Status: domain.StatusPendingAdminApproval, Actor: "sam"},
	)
	putOrder(t, repo, "o2", base, 500,
		domain.StatusEntry{Status: domain.StatusPendingSalesApproval, Actor: "carla"},
		domain.StatusEntry{Status: domain.StatusPendingAdminApproval, Actor: "sam"},
	)
	putOrder(t, repo, "o3", base, 300,
		domain.StatusEntry{Status: domain.StatusPendingSalesApproval, Actor: "carla"},
		domain.StatusEntry{Status: domain.StatusRejectedBySales, Actor: "sam"},
	)
	putOrder(t, repo, "o4", base, 9999,
		domain.StatusEntry{Status: domain.StatusPendingSalesApproval, Actor: "carla"},
		domain.StatusEntry{Status: domain.StatusPendingAdminApproval, Actor: "sara"},
	)

	perf, err := p.ExecutivePerformance(ctx, "sam")
	require.NoError(t, err)
	assert.Equal(t, 3, perf.TotalOrders)
	assert.Equal(t, int64(1800), perf.TotalRevenueCents)
	assert.Equal(t, domain.StatusAggregate{Count: 2, RevenueCents: 1500}, perf.ByStatus[domain.StatusPendingAdminApproval])
	assert.Equal(t, domain.StatusAggregate{Count: 1, RevenueCents: 300}, perf.ByStatus[domain.StatusRejectedBySales])

	perf, err = p.ExecutivePerformance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, perf.TotalOrders)
	assert.NotNil(t, perf.ByStatus)

	_, err = p.ExecutivePerformance(ctx, " ")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestLowStockAlertsDelegatesToLedger(t *testing.T) {
	p, _ := newProjector(t, nil)

	view, err := p.LowStockAlerts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "A", view.Items[0].VariantID)

	view, err = p.LowStockAlerts(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 50, view.Threshold)
	assert.Len(t, view.Items, 2)
}
