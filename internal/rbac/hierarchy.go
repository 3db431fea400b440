package rbac

import (
	"fmt"
	"sort"
)

// PublicRole is the sink of the hierarchy: every role reaches it and it
// inherits nothing.
const PublicRole = "public"

// EmployeeRole is granted implicitly on internal documents.
const EmployeeRole = "employee"

// Hierarchy is a fixed role graph: each role lists the roles it directly
// inherits, plus a numeric privilege level. It is immutable after construction.
type Hierarchy struct {
	inherits map[string][]string
	levels   map[string]int
}

// NewHierarchy copies the given graph and validates it.
func NewHierarchy(inherits map[string][]string, levels map[string]int) (*Hierarchy, error) {
	h := &Hierarchy{
		inherits: make(map[string][]string, len(inherits)),
		levels:   make(map[string]int, len(levels)),
	}
	for role, parents := range inherits {
		h.inherits[role] = append([]string(nil), parents...)
	}
	for role, level := range levels {
		h.levels[role] = level
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// DefaultHierarchy returns the built-in organisation hierarchy.
func DefaultHierarchy() *Hierarchy {
	h, err := NewHierarchy(
		map[string][]string{
			"admin":              {"hr.admin", "finance.admin", "engineering.admin"},
			"hr.admin":           {"hr.viewer"},
			"finance.admin":      {"finance.viewer"},
			"engineering.admin":  {"engineering.viewer"},
			"hr.viewer":          {EmployeeRole},
			"finance.viewer":     {EmployeeRole},
			"engineering.viewer": {EmployeeRole},
			EmployeeRole:         {PublicRole},
			PublicRole:           {},
		},
		map[string]int{
			"admin":              100,
			"hr.admin":           80,
			"finance.admin":      80,
			"engineering.admin":  80,
			"hr.viewer":          60,
			"finance.viewer":     60,
			"engineering.viewer": 60,
			EmployeeRole:         40,
			PublicRole:           10,
		},
	)
	if err != nil {
		panic(fmt.Sprintf("rbac: default hierarchy invalid: %v", err))
	}
	return h
}

// Validate checks that public is a sink, that every referenced role is
// defined with a level, and that no role reaches itself.
func (h *Hierarchy) Validate() error {
	if _, ok := h.inherits[PublicRole]; !ok {
		return fmt.Errorf("hierarchy must define %q", PublicRole)
	}
	if len(h.inherits[PublicRole]) != 0 {
		return fmt.Errorf("%q must not inherit other roles", PublicRole)
	}
	for role, parents := range h.inherits {
		if _, ok := h.levels[role]; !ok {
			return fmt.Errorf("role %q has no privilege level", role)
		}
		for _, p := range parents {
			if _, ok := h.inherits[p]; !ok {
				return fmt.Errorf("role %q inherits undefined role %q", role, p)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(h.inherits))
	var visit func(string) error
	visit = func(role string) error {
		switch state[role] {
		case visiting:
			return fmt.Errorf("role cycle detected at %q", role)
		case done:
			return nil
		}
		state[role] = visiting
		for _, p := range h.inherits[role] {
			if err := visit(p); err != nil {
				return err
			}
		}
		state[role] = done
		return nil
	}
	for _, role := range h.Roles() {
		if err := visit(role); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether role is defined.
func (h *Hierarchy) Has(role string) bool {
	_, ok := h.inherits[role]
	return ok
}

// Level returns the privilege level of role; unknown roles report 0.
func (h *Hierarchy) Level(role string) int {
	return h.levels[role]
}

// Inherits returns the directly inherited roles of role.
func (h *Hierarchy) Inherits(role string) []string {
	return append([]string(nil), h.inherits[role]...)
}

// Roles returns all defined roles in name order.
func (h *Hierarchy) Roles() []string {
	roles := make([]string, 0, len(h.inherits))
	for r := range h.inherits {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Closure returns role and every role transitively reachable from it.
func (h *Hierarchy) Closure(role string) []string {
	seen := map[string]bool{role: true}
	out := []string{role}
	queue := []string{role}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range h.inherits[cur] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
				queue = append(queue, p)
			}
		}
	}
	return out
}
