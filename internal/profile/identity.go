package profile

import (
	"strings"

	"github.com/episteme-ai/episteme/internal/types"
)

// UserCaller is the changed_by value that identifies the end-user rather
// than an agent. The identity invariant never applies to the user.
const UserCaller = "user"

// nameKeys are the keys whose string values count as a family member's
// name at any nesting depth.
var nameKeys = map[string]bool{
	"name":       true,
	"first_name": true,
	"firstname":  true,
	"nickname":   true,
}

// structuralKeys hold non-name member data and never contribute names.
var structuralKeys = map[string]bool{
	"relation":     true,
	"relationship": true,
	"age":          true,
	"birthday":     true,
	"born":         true,
	"occupation":   true,
	"notes":        true,
	"note":         true,
	"email":        true,
	"phone":        true,
}

// checkIdentity enforces the identity invariant: an agent may not rename
// the profile owner to a known family member. The user, or an agent
// supplying an override reason, may.
func checkIdentity(prev map[string]any, changes []Change, changedBy, overrideReason string) error {
	if changedBy == UserCaller || overrideReason != "" {
		return nil
	}
	var next string
	for _, c := range changes {
		if c.Path != "name" || c.Kind == ChangeRestated || c.Kind == ChangeRemoved {
			continue
		}
		if s, ok := c.Next.(string); ok {
			next = s
		}
	}
	if next == "" {
		return nil
	}

	candidate := strings.ToLower(strings.TrimSpace(next))
	if familyNames(prev)[candidate] {
		return types.NewReasonError(types.KindIdentity, "family_name",
			"profile.name %q matches a family member; requires an override reason or the user", next)
	}
	return nil
}

// familyNames collects the lowercased names, first names, and nicknames
// of every family member recorded in the profile. Both shapes in the
// wild are handled: bare strings ("wife": "Sarah") and member objects
// ({"name": "Sarah Connor", "nickname": "Sar"}).
func familyNames(profile map[string]any) map[string]bool {
	out := make(map[string]bool)
	if family, ok := profile["family"]; ok {
		collectNames(family, 0, "", out)
	}
	return out
}

func collectNames(v any, depth int, key string, out map[string]bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			collectNames(child, depth+1, k, out)
		}
	case []any:
		for _, child := range t {
			collectNames(child, depth, key, out)
		}
	case string:
		// Direct children of family are names whatever their key; deeper
		// strings only count under a name-like key.
		if nameKeys[key] || (depth <= 1 && !structuralKeys[key]) {
			addName(t, out)
		}
	}
}

func addName(name string, out map[string]bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	lower := strings.ToLower(name)
	out[lower] = true
	if first, _, found := strings.Cut(lower, " "); found && first != "" {
		out[first] = true
	}
}
