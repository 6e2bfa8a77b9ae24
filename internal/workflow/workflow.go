// Package workflow holds the order state machine: the one table of legal
// status edges, the roles allowed to take each edge and the inventory effect
// each edge carries.
package workflow

import (
	"slices"
	"strings"

	"orderdesk/backend/internal/domain"
)

type Effect int

const (
	EffectNone Effect = iota
	EffectReserve
	EffectRelease
)

func (e Effect) String() string {
	switch e {
	case EffectReserve:
		return "reserve"
	case EffectRelease:
		return "release"
	default:
		return "none"
	}
}

type Edge struct {
	From           domain.OrderStatus
	To             domain.OrderStatus
	Roles          []domain.Role
	ReasonRequired bool
	Effect         Effect
}

func (e Edge) Allows(role domain.Role) bool {
	return slices.Contains(e.Roles, role)
}

// Initial is the status every order is created in.
const Initial = domain.StatusPendingSalesApproval

var checkout = Edge{
	To:     Initial,
	Roles:  []domain.Role{domain.RoleCustomer},
	Effect: EffectReserve,
}

var edges = []Edge{
	{From: domain.StatusPendingSalesApproval, To: domain.StatusPendingAdminApproval, Roles: []domain.Role{domain.RoleSalesExecutive}},
	{From: domain.StatusPendingSalesApproval, To: domain.StatusRejectedBySales, Roles: []domain.Role{domain.RoleSalesExecutive}, ReasonRequired: true, Effect: EffectRelease},
	{From: domain.StatusPendingAdminApproval, To: domain.StatusPendingWarehouseApproval, Roles: []domain.Role{domain.RoleAdmin}},
	{From: domain.StatusPendingAdminApproval, To: domain.StatusConfirmed, Roles: []domain.Role{domain.RoleAdmin}},
	{From: domain.StatusConfirmed, To: domain.StatusPendingAdminApproval, Roles: []domain.Role{domain.RoleAdmin}},
	{From: domain.StatusPendingWarehouseApproval, To: domain.StatusConfirmed, Roles: []domain.Role{domain.RoleWarehouse}},
	{From: domain.StatusPendingWarehouseApproval, To: domain.StatusRejectedByWarehouse, Roles: []domain.Role{domain.RoleWarehouse}, ReasonRequired: true, Effect: EffectRelease},
	{From: domain.StatusPendingWarehouseApproval, To: domain.StatusCancelled, Roles: []domain.Role{domain.RoleWarehouse}, ReasonRequired: true, Effect: EffectRelease},
	{From: domain.StatusConfirmed, To: domain.StatusCancelled, Roles: []domain.Role{domain.RoleWarehouse, domain.RoleAdmin}, ReasonRequired: true, Effect: EffectRelease},
	{From: domain.StatusConfirmed, To: domain.StatusDispatched, Roles: []domain.Role{domain.RoleWarehouse, domain.RoleAdmin}},
	{From: domain.StatusDispatched, To: domain.StatusDelivered, Roles: []domain.Role{domain.RoleWarehouse, domain.RoleAdmin}},
}

// statuses is the pipeline order used for sorting and listing.
var statuses = []domain.OrderStatus{
	domain.StatusPendingSalesApproval,
	domain.StatusPendingAdminApproval,
	domain.StatusPendingWarehouseApproval,
	domain.StatusConfirmed,
	domain.StatusDispatched,
	domain.StatusDelivered,
	domain.StatusRejectedBySales,
	domain.StatusRejectedByWarehouse,
	domain.StatusCancelled,
}

// awaiting names the desk whose queue an order sits in while in that status.
var awaiting = map[domain.OrderStatus]domain.Role{
	domain.StatusPendingSalesApproval:     domain.RoleSalesExecutive,
	domain.StatusPendingAdminApproval:     domain.RoleAdmin,
	domain.StatusPendingWarehouseApproval: domain.RoleWarehouse,
	domain.StatusConfirmed:                domain.RoleWarehouse,
	domain.StatusDispatched:               domain.RoleWarehouse,
}

var roles = []domain.Role{
	domain.RoleCustomer,
	domain.RoleSalesExecutive,
	domain.RoleWarehouse,
	domain.RoleAdmin,
}

func Edges() []Edge {
	out := make([]Edge, len(edges))
	for i, e := range edges {
		e.Roles = slices.Clone(e.Roles)
		out[i] = e
	}
	return out
}

func Checkout() Edge {
	e := checkout
	e.Roles = slices.Clone(checkout.Roles)
	return e
}

func Lookup(from, to domain.OrderStatus) (Edge, bool) {
	for _, e := range edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// AllowedTransitions lists the targets the role may move an order to from
// status, in pipeline order. Terminal statuses yield an empty list.
func AllowedTransitions(status domain.OrderStatus, role domain.Role) []domain.OrderStatus {
	out := make([]domain.OrderStatus, 0, 3)
	for _, target := range statuses {
		e, ok := Lookup(status, target)
		if ok && e.Allows(role) {
			out = append(out, target)
		}
	}
	return out
}

// CanHold reports whether role may confirm status as already current. It is
// true when role is allowed to take some edge into status; for the initial
// status that is the customer who checked out.
func CanHold(status domain.OrderStatus, role domain.Role) bool {
	if status == Initial && checkout.Allows(role) {
		return true
	}
	for _, e := range edges {
		if e.To == status && e.Allows(role) {
			return true
		}
	}
	return false
}

func IsTerminal(status domain.OrderStatus) bool {
	if !IsValidStatus(status) {
		return false
	}
	for _, e := range edges {
		if e.From == status {
			return false
		}
	}
	return true
}

func IsValidStatus(status domain.OrderStatus) bool {
	return slices.Contains(statuses, status)
}

func IsValidRole(role domain.Role) bool {
	return slices.Contains(roles, role)
}

func Statuses() []domain.OrderStatus {
	return slices.Clone(statuses)
}

// AwaitingRole returns the desk expected to act next on an order in status.
func AwaitingRole(status domain.OrderStatus) (domain.Role, bool) {
	role, ok := awaiting[status]
	return role, ok
}

// StatusesAwaiting is the inverse of AwaitingRole, in pipeline order.
func StatusesAwaiting(role domain.Role) []domain.OrderStatus {
	out := make([]domain.OrderStatus, 0, 3)
	for _, status := range statuses {
		if awaiting[status] == role {
			out = append(out, status)
		}
	}
	return out
}

func ParseStatus(raw string) (domain.OrderStatus, bool) {
	status := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return status, IsValidStatus(status)
}

func ParseRole(raw string) (domain.Role, bool) {
	role := domain.Role(strings.ToLower(strings.TrimSpace(raw)))
	return role, IsValidRole(role)
}
