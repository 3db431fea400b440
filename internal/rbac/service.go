// Package rbac implements the role hierarchy and the access rules that
// connect roles, classifications and security tags.
package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/logging"
)

// AccessTags is the result of GenerateAccessTags.
type AccessTags struct {
	AllowTags     []string `json:"allowTags"`
	ExpandedRoles []string `json:"expandedRoles"`
}

// Service evaluates roles against a Hierarchy. It is safe for concurrent use.
type Service struct {
	hierarchy *Hierarchy
	logger    *logging.Logger
}

// NewService creates a role service. A nil hierarchy uses DefaultHierarchy.
func NewService(h *Hierarchy, logger *logging.Logger) *Service {
	if h == nil {
		h = DefaultHierarchy()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{hierarchy: h, logger: logger.Named("rbac")}
}

// Hierarchy returns the underlying role graph.
func (s *Service) Hierarchy() *Hierarchy {
	return s.hierarchy
}

// ExpandRoles adds every transitively inherited role, deduplicates, and
// sorts by descending privilege level (ties by name). Unknown roles are kept
// and logged.
func (s *Service) ExpandRoles(ctx context.Context, roles []string) []string {
	seen := make(map[string]bool)
	var unknown []string
	for _, raw := range roles {
		role := strings.TrimSpace(raw)
		if role == "" {
			continue
		}
		if !s.hierarchy.Has(role) {
			if !seen[role] {
				unknown = append(unknown, role)
			}
			seen[role] = true
			continue
		}
		for _, r := range s.hierarchy.Closure(role) {
			seen[r] = true
		}
	}

	if len(unknown) > 0 {
		s.logger.Warn(ctx, "unknown roles in credential", zap.Strings("roles", unknown))
	}

	expanded := make([]string, 0, len(seen))
	for r := range seen {
		expanded = append(expanded, r)
	}
	sort.Slice(expanded, func(i, j int) bool {
		li, lj := s.hierarchy.Level(expanded[i]), s.hierarchy.Level(expanded[j])
		if li != lj {
			return li > lj
		}
		return expanded[i] < expanded[j]
	})
	return expanded
}

// CanAccessDocument reports whether userRoles may read a document carrying
// docRoleTags ("role:<r>" strings). A document with no role tags is
// unrestricted.
func (s *Service) CanAccessDocument(ctx context.Context, userRoles, docRoleTags []string) bool {
	if len(docRoleTags) == 0 {
		return true
	}
	doc := make(map[string]bool, len(docRoleTags))
	for _, t := range docRoleTags {
		doc[t] = true
	}
	for _, r := range s.ExpandRoles(ctx, userRoles) {
		if doc[RoleTag(r)] {
			return true
		}
	}
	return false
}

// RolesWithAccess lists the defined roles whose expansion intersects
// docRoleTags. Used when reporting access mismatches.
func (s *Service) RolesWithAccess(ctx context.Context, docRoleTags []string) []string {
	var out []string
	for _, role := range s.hierarchy.Roles() {
		if s.CanAccessDocument(ctx, []string{role}, docRoleTags) {
			out = append(out, role)
		}
	}
	return out
}

// GenerateAccessTags maps the expanded roles to role tags and appends the
// tenant tag when tenant is non-blank.
func (s *Service) GenerateAccessTags(ctx context.Context, roles []string, tenant string) AccessTags {
	expanded := s.ExpandRoles(ctx, roles)
	tags := make([]string, 0, len(expanded)+1)
	for _, r := range expanded {
		tags = append(tags, RoleTag(r))
	}
	if t := strings.TrimSpace(tenant); t != "" {
		tags = append(tags, TenantTag(t))
	}
	return AccessTags{AllowTags: tags, ExpandedRoles: expanded}
}

// FormatAccessSummary renders a human-readable summary of what roles grant.
func (s *Service) FormatAccessSummary(ctx context.Context, roles []string, stepUp bool) string {
	expanded := s.ExpandRoles(ctx, roles)
	cls := ClassificationCap(len(roles) > 0, stepUp)

	var b strings.Builder
	if len(roles) == 0 {
		b.WriteString("Roles: (none)\n")
	} else {
		fmt.Fprintf(&b, "Roles: %s\n", strings.Join(roles, ", "))
	}
	if len(expanded) > 0 {
		fmt.Fprintf(&b, "Effective roles: %s\n", strings.Join(expanded, ", "))
		top := expanded[0]
		fmt.Fprintf(&b, "Highest privilege: %s (level %d)\n", top, s.hierarchy.Level(top))
	} else {
		b.WriteString("Effective roles: (none; public documents only)\n")
	}

	allowed := cls.Allowed()
	names := make([]string, len(allowed))
	for i, c := range allowed {
		names[i] = string(c)
	}
	fmt.Fprintf(&b, "Classifications: %s", strings.Join(names, ", "))
	if cls != Confidential && len(roles) > 0 {
		b.WriteString(" (confidential requires step-up)")
	}
	b.WriteString("\n")
	return b.String()
}
