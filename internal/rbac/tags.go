package rbac

import (
	"strings"
)

// Security tag prefixes.
const (
	RolePrefix           = "role:"
	TenantPrefix         = "tenant:"
	ClassificationPrefix = "classification:"
)

// RoleTag returns "role:<r>".
func RoleTag(role string) string { return RolePrefix + role }

// TenantTag returns "tenant:<t>".
func TenantTag(tenant string) string { return TenantPrefix + tenant }

// WithPrefix returns the tags starting with prefix, in order.
func WithPrefix(tags []string, prefix string) []string {
	var out []string
	for _, t := range tags {
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	return out
}

// Values strips prefix from the tags that carry it.
func Values(tags []string, prefix string) []string {
	matched := WithPrefix(tags, prefix)
	out := make([]string, len(matched))
	for i, t := range matched {
		out[i] = strings.TrimPrefix(t, prefix)
	}
	return out
}

// ClassificationOf returns the classification recorded in tags, or "".
func ClassificationOf(tags []string) Classification {
	if v := Values(tags, ClassificationPrefix); len(v) > 0 {
		return Classification(v[0])
	}
	return ""
}

// DocumentTags derives the security tags stored with every chunk of a
// document: the classification tag, one role tag per allowed role, an
// implicit role:employee on internal and role:public on public documents,
// and the tenant tag when tenant is non-empty.
func DocumentTags(c Classification, allowedRoles []string, tenant string) []string {
	tags := []string{c.Tag()}
	seen := map[string]bool{}
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" || seen[role] {
			return
		}
		seen[role] = true
		tags = append(tags, RoleTag(role))
	}
	for _, r := range allowedRoles {
		add(r)
	}
	switch c {
	case Internal:
		add(EmployeeRole)
	case Public:
		add(PublicRole)
	}
	if t := strings.TrimSpace(tenant); t != "" {
		tags = append(tags, TenantTag(t))
	}
	return tags
}

// AccessFilter is the per-request retrieval policy derived from claims.
type AccessFilter struct {
	AllowTags         []string       `json:"allowTags"`
	MaxClassification Classification `json:"maxClassification"`
}

// Roles returns the role names carried in AllowTags.
func (f AccessFilter) Roles() []string {
	return Values(f.AllowTags, RolePrefix)
}

// TenantTags returns the tenant tags carried in AllowTags.
func (f AccessFilter) TenantTags() []string {
	return WithPrefix(f.AllowTags, TenantPrefix)
}
