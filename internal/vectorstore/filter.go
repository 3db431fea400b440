package vectorstore

import (
	"fmt"
	"strings"
)

// Clause matches a record when its security tags contain at least one of
// AnyOf.
type Clause struct {
	// Name labels the clause in logs ("classification", "role", "tenant").
	Name  string
	AnyOf []string
}

// Filter is a conjunction of clauses over the security tags of a record.
// The zero Filter matches everything.
type Filter struct {
	Clauses []Clause
}

// And appends a clause.
func (f Filter) And(name string, anyOf ...string) Filter {
	clauses := make([]Clause, len(f.Clauses), len(f.Clauses)+1)
	copy(clauses, f.Clauses)
	return Filter{Clauses: append(clauses, Clause{Name: name, AnyOf: anyOf})}
}

// Validate rejects clauses with no values: such a clause would match nothing
// in some backends and everything in others.
func (f Filter) Validate() error {
	for _, c := range f.Clauses {
		if len(c.AnyOf) == 0 {
			return fmt.Errorf("%w: clause %q has no values", ErrInvalidFilter, c.Name)
		}
		for _, v := range c.AnyOf {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%w: clause %q has an empty value", ErrInvalidFilter, c.Name)
			}
		}
	}
	return nil
}

// Matches evaluates the filter against a tag set.
func (f Filter) Matches(tags []string) bool {
	if len(f.Clauses) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, c := range f.Clauses {
		ok := false
		for _, v := range c.AnyOf {
			if _, hit := set[v]; hit {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// String renders the filter for logs: (a|b) & (c).
func (f Filter) String() string {
	if len(f.Clauses) == 0 {
		return "*"
	}
	parts := make([]string, len(f.Clauses))
	for i, c := range f.Clauses {
		parts[i] = c.Name + "(" + strings.Join(c.AnyOf, "|") + ")"
	}
	return strings.Join(parts, " & ")
}
