package resource

import (
	"fmt"
	"strings"
)

// Separator joins resource names in a serialized hierarchy.
const Separator = ";"

// Hierarchy is the ordered list of resource names from root to leaf.
type Hierarchy []string

// ParseHierarchy decodes a serialized hierarchy. Empty strings and empty
// components are rejected; whether the path is complete is checked against
// a Tree with ValidateHierarchy.
func ParseHierarchy(s string) (Hierarchy, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("hierarchy is empty")
	}

	parts := strings.Split(s, Separator)
	for i, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("hierarchy %q has an empty component at position %d", s, i)
		}
	}

	return Hierarchy(parts), nil
}

func (h Hierarchy) String() string {
	return strings.Join(h, Separator)
}

func (h Hierarchy) Root() string {
	if len(h) == 0 {
		return ""
	}
	return h[0]
}

func (h Hierarchy) Leaf() string {
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1]
}

// Contains reports whether name appears anywhere in the hierarchy.
func (h Hierarchy) Contains(name string) bool {
	for _, n := range h {
		if n == name {
			return true
		}
	}
	return false
}

// HasPrefix reports whether h starts with every element of prefix.
func (h Hierarchy) HasPrefix(prefix Hierarchy) bool {
	if len(prefix) > len(h) {
		return false
	}
	for i := range prefix {
		if h[i] != prefix[i] {
			return false
		}
	}
	return true
}

// LeafOf returns the leaf of a serialized hierarchy, or "" if it is malformed.
func LeafOf(s string) string {
	h, err := ParseHierarchy(s)
	if err != nil {
		return ""
	}
	return h.Leaf()
}
