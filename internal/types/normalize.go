package types

import (
	"strings"
)

// NormalizeEntityName returns the canonical form of an entity name:
// lowercased, trimmed, with internal whitespace runs collapsed to a single
// space. Uniqueness in the graph is over this form.
func NormalizeEntityName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
