// Package projection builds the read-side views the desks work from. Every
// view is computed from committed repository state on each call.
package projection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/ledger"
	"orderdesk/backend/internal/store"
	"orderdesk/backend/internal/workflow"
)

const dayLayout = "2006-01-02"

type Projector struct {
	orders store.OrderRepository
	ledger *ledger.Ledger
	loc    *time.Location
	now    func() time.Time
}

func New(orders store.OrderRepository, inventory *ledger.Ledger, loc *time.Location) *Projector {
	if loc == nil {
		loc = time.UTC
	}
	return &Projector{
		orders: orders,
		ledger: inventory,
		loc:    loc,
		now:    time.Now,
	}
}

// PendingQueue returns the orders waiting on role, oldest first. Roles that
// never act on a pending order get an empty queue.
func (p *Projector) PendingQueue(ctx context.Context, role domain.Role) ([]domain.Order, error) {
	statuses := workflow.StatusesAwaiting(role)
	if len(statuses) == 0 {
		return []domain.Order{}, nil
	}
	return p.orders.ListOrders(ctx, domain.OrderFilter{Statuses: statuses})
}

// ParseDay reads a YYYY-MM-DD date in the business time zone. An empty value
// means today.
func (p *Projector) ParseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p.now().In(p.loc), nil
	}
	day, err := time.ParseInLocation(dayLayout, raw, p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidInput)
	}
	return day, nil
}

func (p *Projector) TodaysOrders(ctx context.Context, day time.Time) (domain.DailyOrders, error) {
	local := day.In(p.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
	end := start.AddDate(0, 0, 1)

	orders, err := p.orders.ListOrders(ctx, domain.OrderFilter{CreatedFrom: start, CreatedTo: end})
	if err != nil {
		return domain.DailyOrders{}, err
	}

	view := domain.DailyOrders{
		Date:           start.Format(dayLayout),
		TimeZone:       p.loc.String(),
		Orders:         orders,
		CountsByStatus: make(map[domain.OrderStatus]int),
	}
	for _, order := range orders {
		view.CountsByStatus[order.Status]++
		view.TotalCents += order.TotalCents
	}
	return view, nil
}

// ExecutivePerformance groups every order the executive has acted on by its
// current status.
func (p *Projector) ExecutivePerformance(ctx context.Context, executiveID string) (domain.ExecutivePerformance, error) {
	executiveID = strings.TrimSpace(executiveID)
	if executiveID == "" {
		return domain.ExecutivePerformance{}, store.ErrInvalidInput
	}
	orders, err := p.orders.ListOrders(ctx, domain.OrderFilter{ActedBy: executiveID})
	if err != nil {
		return domain.ExecutivePerformance{}, err
	}

	perf := domain.ExecutivePerformance{
		ExecutiveID: executiveID,
		ByStatus:    make(map[domain.OrderStatus]domain.StatusAggregate),
	}
	for _, order := range orders {
		agg := perf.ByStatus[order.Status]
		agg.Count++
		agg.RevenueCents += order.TotalCents
		perf.ByStatus[order.Status] = agg
		perf.TotalOrders++
		perf.TotalRevenueCents += order.TotalCents
	}
	return perf, nil
}

func (p *Projector) LowStockAlerts(ctx context.Context, threshold int) (domain.LowStockResponse, error) {
	items, err := p.ledger.LowStockBelow(ctx, threshold)
	if err != nil {
		return domain.LowStockResponse{}, err
	}
	if threshold < 0 {
		threshold = 0
	}
	return domain.LowStockResponse{Threshold: threshold, Items: items}, nil
}
