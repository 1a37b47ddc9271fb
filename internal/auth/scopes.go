package auth

import (
	"sort"
	"strings"

	"github.com/episteme-ai/episteme/internal/consent"
	"github.com/episteme-ai/episteme/internal/types"
)

// ValidScopes returns the full scope vocabulary: every consent domain
// crossed with read and write, except graph, which is derived data and
// only ever readable through a key.
func ValidScopes() []string {
	var scopes []string
	for _, d := range consent.Domains() {
		scopes = append(scopes, d+":read")
		if d != consent.DomainGraph {
			scopes = append(scopes, d+":write")
		}
	}
	return scopes
}

// splitScope parses "domain:permission" and validates both halves.
func splitScope(scope string) (string, types.Permission, error) {
	domain, perm, ok := strings.Cut(scope, ":")
	if !ok {
		return "", types.PermissionNone, types.NewError(types.KindValidation, "malformed scope %q", scope)
	}
	known := false
	for _, d := range consent.Domains() {
		if domain == d {
			known = true
			break
		}
	}
	if !known {
		return "", types.PermissionNone, types.NewError(types.KindValidation, "unknown scope domain %q", domain)
	}
	p := types.Permission(perm)
	if p != types.PermissionRead && p != types.PermissionWrite {
		return "", types.PermissionNone, types.NewError(types.KindValidation, "unknown scope permission %q", perm)
	}
	if domain == consent.DomainGraph && p == types.PermissionWrite {
		return "", types.PermissionNone, types.NewError(types.KindValidation, "graph has no write scope")
	}
	return domain, p, nil
}

// ParseScopes splits a space-delimited OAuth scope string, validates each
// entry, and returns them deduplicated in sorted order. Empty input means
// the consent page granted everything, so the full vocabulary comes back.
func ParseScopes(raw string) ([]string, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ValidScopes(), nil
	}
	seen := make(map[string]bool, len(fields))
	var scopes []string
	for _, f := range fields {
		if _, _, err := splitScope(f); err != nil {
			return nil, err
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		scopes = append(scopes, f)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// scopeGrants folds scopes into one consent grant per domain, keeping the
// strongest permission. Domains with named sub-resources get the wildcard
// pattern; singleton domains get the bare domain.
func scopeGrants(scopes []string) map[string]types.Permission {
	grants := make(map[string]types.Permission)
	for _, s := range scopes {
		domain, perm, err := splitScope(s)
		if err != nil {
			continue
		}
		resource := domain
		switch domain {
		case consent.DomainTables, consent.DomainVectors:
			resource = domain + "/*"
		}
		if !grants[resource].Covers(perm) {
			grants[resource] = perm
		}
	}
	return grants
}
