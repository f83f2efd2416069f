package policy

import (
	"testing"

	"pharmapos/backend/internal/domain"
)

func TestDefaultRoleTable(t *testing.T) {
	table := Default()
	cases := []struct {
		role     string
		action   string
		resource string
		want     bool
	}{
		{domain.RoleAdmin, ActionRead, ResourceAudit, true},
		{domain.RoleAdmin, ActionManage, ResourceStock, true},
		{domain.RolePharmacist, ActionReturn, ResourceSale, true},
		{domain.RolePharmacist, ActionManage, ResourceStock, true},
		{domain.RolePharmacist, ActionRead, ResourceAudit, false},
		{domain.RoleCashier, ActionCreate, ResourceSale, true},
		{domain.RoleCashier, ActionPay, ResourceSale, true},
		{domain.RoleCashier, ActionReturn, ResourceSale, false},
		{domain.RoleCashier, ActionManage, ResourceStock, false},
		{domain.RoleCashier, ActionRead, ResourceEvents, false},
		{"auditor", ActionRead, ResourceSale, false},
	}
	for _, tc := range cases {
		got := table.Allow(domain.Actor{Username: "u", Role: tc.role}, tc.action, tc.resource)
		if got != tc.want {
			t.Fatalf("%s %s:%s = %v, want %v", tc.role, tc.resource, tc.action, got, tc.want)
		}
	}
}

func TestAnonymousActorIsDenied(t *testing.T) {
	if Default().Allow(domain.Actor{Role: domain.RoleAdmin}, ActionRead, ResourceSale) {
		t.Fatalf("expected actor without username to be denied")
	}
}
