// Package consent decides whether an agent may touch a resource. Rules
// live per tenant; a missing rule is a denial. The most specific matching
// pattern wins, so a narrow grant can open a door a broad rule leaves
// shut, and vice versa.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/sandbox"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Consent domains. Every resource path starts with one of these.
const (
	DomainProfile = "profile"
	DomainTables  = "tables"
	DomainVectors = "vectors"
	DomainGraph   = "graph"
	DomainMemory  = "memory"
)

// Domains lists the consent domains in display order.
func Domains() []string {
	return []string{DomainProfile, DomainTables, DomainVectors, DomainGraph, DomainMemory}
}

// Gate resolves and enforces consent rules.
type Gate struct {
	log *zap.Logger
}

func NewGate(log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{log: log.Named("consent")}
}

const ruleColumns = `id, agent_id, resource, permission, granted_by, created_at, revoked_at`

// resolveRuleSQL picks the single governing rule for (agent, resource):
// surviving rules whose pattern matches exactly, or whose *-suffix prefix
// matches via LIKE with the prefix's metacharacters escaped so a stored
// pattern can never act as a wildcard it did not declare. Longest pattern
// wins; newer breaks ties.
const resolveRuleSQL = `
	SELECT ` + ruleColumns + `
	FROM consent_rules
	WHERE agent_id = $1 AND revoked_at IS NULL
	  AND (resource = $2
	       OR (resource LIKE '%*'
	           AND $2 LIKE replace(replace(replace(left(resource, -1),
	                   '\', '\\'), '%', '\%'), '_', '\_') || '%'))
	ORDER BY length(resource) DESC, created_at DESC
	LIMIT 1`

// Effective returns the permission the governing rule grants for (agent,
// resource), along with the rule itself. No matching rule means
// PermissionNone and a nil rule.
func (g *Gate) Effective(ctx context.Context, tx *storage.Tx, agentID, resource string) (types.Permission, *types.ConsentRule, error) {
	rule, err := scanRule(tx.QueryRow(ctx, resolveRuleSQL, agentID, resource))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.PermissionNone, nil, nil
	}
	if err != nil {
		return types.PermissionNone, nil, fmt.Errorf("failed to resolve consent for %q: %w", resource, err)
	}
	return rule.Permission, rule, nil
}

// Check enforces that agent holds required on resource. The denial error
// carries the resource and requirement; callers audit it and return it
// unchanged.
func (g *Gate) Check(ctx context.Context, tx *storage.Tx, agentID, resource string, required types.Permission) error {
	perm, _, err := g.Effective(ctx, tx, agentID, resource)
	if err != nil {
		return err
	}
	if !perm.Covers(required) {
		g.log.Debug("consent denied",
			zap.String("tenant_id", tx.TenantID),
			zap.String("agent_id", agentID),
			zap.String("resource", resource),
			zap.String("required", string(required)),
			zap.String("held", string(perm)))
		return types.NewError(types.KindConsentDenied,
			"agent %q lacks %s access to %s", agentID, required, resource)
	}
	return nil
}

// CheckDomain enforces a domain-wide requirement. A grant on the bare
// domain ("tables") or on its wildcard ("tables/*") both satisfy it.
func (g *Gate) CheckDomain(ctx context.Context, tx *storage.Tx, agentID, domain string, required types.Permission) error {
	perm, _, err := g.Effective(ctx, tx, agentID, domain)
	if err != nil {
		return err
	}
	if !perm.Covers(required) {
		wildcard, _, werr := g.Effective(ctx, tx, agentID, domain+"/*")
		if werr != nil {
			return werr
		}
		if !wildcard.Covers(required) {
			return types.NewError(types.KindConsentDenied,
				"agent %q lacks %s access to domain %s", agentID, required, domain)
		}
	}
	return nil
}

// Grant records a consent rule. Resource must be a known domain, its
// wildcard, or a domain plus one named segment.
func (g *Gate) Grant(ctx context.Context, tx *storage.Tx, agentID, resource string, perm types.Permission, grantedBy string) (*types.ConsentRule, error) {
	if agentID == "" {
		return nil, types.NewError(types.KindValidation, "agent id is required")
	}
	if !perm.IsValid() {
		return nil, types.NewError(types.KindValidation, "invalid permission %q", perm)
	}
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	rule, err := scanRule(tx.QueryRow(ctx, `
		INSERT INTO consent_rules (agent_id, resource, permission, granted_by)
		VALUES ($1, $2, $3, $4)
		RETURNING `+ruleColumns, agentID, resource, string(perm), grantedBy))
	if err != nil {
		return nil, fmt.Errorf("failed to record consent rule: %w", err)
	}
	g.log.Info("consent granted",
		zap.String("tenant_id", tx.TenantID),
		zap.String("agent_id", agentID),
		zap.String("resource", resource),
		zap.String("permission", string(perm)))
	return rule, nil
}

// ListRules returns the agent's surviving rules, most specific first.
func (g *Gate) ListRules(ctx context.Context, tx *storage.Tx, agentID string) ([]*types.ConsentRule, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+ruleColumns+` FROM consent_rules
		WHERE agent_id = $1 AND revoked_at IS NULL
		ORDER BY length(resource) DESC, created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent rules: %w", err)
	}
	defer rows.Close()
	var rules []*types.ConsentRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListAgents returns the distinct agent ids holding at least one surviving
// rule.
func (g *Gate) ListAgents(ctx context.Context, tx *storage.Tx) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT agent_id FROM consent_rules WHERE revoked_at IS NULL ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()
	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// RevokeAgent cuts an agent off: API keys first, so the auth layer locks
// out immediately, then every surviving consent rule. Both run in the
// caller's transaction; shared.api_keys is addressed explicitly because
// revocation must not depend on search path ordering.
func (g *Gate) RevokeAgent(ctx context.Context, tx *storage.Tx, agentID string) (keysRevoked, rulesRevoked int64, err error) {
	keys, err := tx.Exec(ctx, `
		UPDATE shared.api_keys SET revoked_at = now()
		WHERE tenant_id = $1 AND agent_id = $2 AND revoked_at IS NULL`, tx.TenantID, agentID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to revoke api keys: %w", err)
	}
	rules, err := tx.Exec(ctx, `
		UPDATE consent_rules SET revoked_at = now()
		WHERE agent_id = $1 AND revoked_at IS NULL`, agentID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to revoke consent rules: %w", err)
	}
	g.log.Info("agent revoked",
		zap.String("tenant_id", tx.TenantID),
		zap.String("agent_id", agentID),
		zap.Int64("keys", keys.RowsAffected()),
		zap.Int64("rules", rules.RowsAffected()))
	return keys.RowsAffected(), rules.RowsAffected(), nil
}

// ValidateResource checks a consent resource pattern: a known domain,
// optionally followed by "/*" or "/<identifier>".
func ValidateResource(resource string) error {
	domain, rest, hasRest := strings.Cut(resource, "/")
	known := false
	for _, d := range Domains() {
		if domain == d {
			known = true
			break
		}
	}
	if !known {
		return types.NewError(types.KindValidation, "unknown consent domain in %q", resource)
	}
	if !hasRest {
		return nil
	}
	if rest == "*" {
		return nil
	}
	if rest == "" || strings.Contains(rest, "/") {
		return types.NewError(types.KindValidation, "invalid consent resource %q", resource)
	}
	if err := sandbox.ValidateIdentifier(rest); err != nil {
		return types.NewError(types.KindValidation, "invalid consent resource %q", resource)
	}
	return nil
}

func scanRule(row pgx.Row) (*types.ConsentRule, error) {
	var rule types.ConsentRule
	var perm string
	if err := row.Scan(&rule.ID, &rule.AgentID, &rule.Resource, &perm,
		&rule.GrantedBy, &rule.CreatedAt, &rule.RevokedAt); err != nil {
		return nil, err
	}
	rule.Permission = types.Permission(perm)
	return &rule, nil
}
