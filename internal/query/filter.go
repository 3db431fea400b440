package query

import (
	"context"

	"github.com/fyrsmithlabs/securerag/internal/rbac"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

// Clause names used in filters and logs.
const (
	ClauseClassification = "classification"
	ClauseRole           = "role"
	ClauseTenant         = "tenant"
)

// BuildFilter converts an access policy into a store filter. All clauses
// must hold:
//
//   - classification: any classification at or below f.MaxClassification
//   - role: any expanded caller role, or role:public when the caller has none
//   - tenant: any tenant tag in f, omitted when there are none
func BuildFilter(ctx context.Context, roles *rbac.Service, f rbac.AccessFilter) vectorstore.Filter {
	allowed := f.MaxClassification.Allowed()
	classTags := make([]string, len(allowed))
	for i, c := range allowed {
		classTags[i] = c.Tag()
	}
	filter := vectorstore.Filter{}.And(ClauseClassification, classTags...)

	var roleTags []string
	if userRoles := f.Roles(); len(userRoles) > 0 {
		for _, r := range roles.ExpandRoles(ctx, userRoles) {
			roleTags = append(roleTags, rbac.RoleTag(r))
		}
	}
	if len(roleTags) == 0 {
		roleTags = []string{rbac.RoleTag(rbac.PublicRole)}
	}
	filter = filter.And(ClauseRole, roleTags...)

	if tenants := f.TenantTags(); len(tenants) > 0 {
		filter = filter.And(ClauseTenant, tenants...)
	}
	return filter
}
