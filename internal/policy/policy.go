// Package policy decides which roles may perform which actions. Handlers ask
// once per request; the sale and stock core never checks roles itself.
package policy

import (
	"strings"

	"pharmapos/backend/internal/domain"
)

const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionPay    = "pay"
	ActionReturn = "return"
	ActionManage = "manage"
)

const (
	ResourceSale     = "sale"
	ResourceStock    = "stock"
	ResourceVariant  = "variant"
	ResourceCustomer = "customer"
	ResourceAudit    = "audit_log"
	ResourceEvents   = "events"
)

type Evaluator interface {
	Allow(actor domain.Actor, action string, resource string) bool
}

// RoleTable grants resource:action pairs per role. Admin is allowed
// everything.
type RoleTable map[string]map[string]bool

func Default() RoleTable {
	return RoleTable{
		domain.RolePharmacist: grants(
			"sale:read", "sale:create", "sale:pay", "sale:return",
			"stock:read", "stock:manage",
			"variant:read", "variant:manage",
			"customer:read", "customer:create",
			"events:read",
		),
		domain.RoleCashier: grants(
			"sale:read", "sale:create", "sale:pay",
			"stock:read",
			"variant:read",
			"customer:read", "customer:create",
		),
	}
}

func (t RoleTable) Allow(actor domain.Actor, action string, resource string) bool {
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if role == "" || actor.Username == "" {
		return false
	}
	if role == domain.RoleAdmin {
		return true
	}
	return t[role][resource+":"+action]
}

func grants(pairs ...string) map[string]bool {
	m := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		m[p] = true
	}
	return m
}
