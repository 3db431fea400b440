package rbac

import (
	"fmt"
	"strings"
)

// Classification is the sensitivity level of a document.
type Classification string

const (
	Public       Classification = "public"
	Internal     Classification = "internal"
	Confidential Classification = "confidential"
)

var classificationOrder = []Classification{Public, Internal, Confidential}

// ParseClassification parses a classification name (case-insensitive).
func ParseClassification(s string) (Classification, error) {
	c := Classification(strings.ToLower(strings.TrimSpace(s)))
	if c.Rank() < 0 {
		return "", fmt.Errorf("unknown classification %q", s)
	}
	return c, nil
}

// Rank orders classifications: public=0, internal=1, confidential=2.
// Unknown values rank -1.
func (c Classification) Rank() int {
	for i, v := range classificationOrder {
		if v == c {
			return i
		}
	}
	return -1
}

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	return c.Rank() >= 0
}

// Tag returns the classification security tag.
func (c Classification) Tag() string {
	return ClassificationPrefix + string(c)
}

// Allowed returns every classification at or below c, lowest first.
// An unknown c allows only public.
func (c Classification) Allowed() []Classification {
	r := c.Rank()
	if r < 0 {
		r = 0
	}
	return append([]Classification(nil), classificationOrder[:r+1]...)
}

// ClassificationCap applies the two-factor gate: step-up unlocks
// confidential; otherwise any role unlocks internal; otherwise public.
func ClassificationCap(hasRoles, stepUp bool) Classification {
	switch {
	case stepUp:
		return Confidential
	case hasRoles:
		return Internal
	default:
		return Public
	}
}
