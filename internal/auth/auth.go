// Package auth issues and resolves credentials. Three artifact families:
// registered OAuth clients, short-lived PKCE authorization codes, and the
// epi_ API keys a successful token exchange mints. Secrets are stored
// hashed; the plaintext exists only in the issuance response. The HTTP
// endpoints that front these operations live at the edge, outside this
// module; everything here is the contract they call into.
package auth

import (
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/consent"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Issuance defaults.
const (
	DefaultKeyTTL  = 365 * 24 * time.Hour
	DefaultCodeTTL = 60 * time.Second
)

// Config wires a Service.
type Config struct {
	Store   *storage.Store
	Consent *consent.Gate
	// KeyTTL bounds minted API keys; zero selects the 1-year default.
	KeyTTL time.Duration
	// CodeTTL bounds authorization codes; zero selects the 60s default.
	CodeTTL time.Duration
	// ResourceAllowlist holds the RFC 8707 resource indicators this
	// deployment accepts. Empty allows none.
	ResourceAllowlist []string
}

// Service issues clients, codes, and keys against the shared schema.
type Service struct {
	store     *storage.Store
	consent   *consent.Gate
	keyTTL    time.Duration
	codeTTL   time.Duration
	allowlist []string
	log       *zap.Logger
}

// New builds a Service.
func New(cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	keyTTL := cfg.KeyTTL
	if keyTTL <= 0 {
		keyTTL = DefaultKeyTTL
	}
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	return &Service{
		store:     cfg.Store,
		consent:   cfg.Consent,
		keyTTL:    keyTTL,
		codeTTL:   codeTTL,
		allowlist: cfg.ResourceAllowlist,
		log:       log.Named("auth"),
	}
}

// Principal is what a resolved credential stands for.
type Principal struct {
	TenantID string     `json:"tenant_id"`
	AgentID  string     `json:"agent_id"`
	Tier     types.Tier `json:"tier"`
	Scopes   []string   `json:"scopes"`
}

// Allows reports whether the principal's scopes cover the permission on a
// consent domain. Scopes are the key-level outer gate; per-resource
// consent rules are checked separately inside the tenant.
func (p *Principal) Allows(domain string, required types.Permission) bool {
	for _, s := range p.Scopes {
		d, perm, err := splitScope(s)
		if err != nil || d != domain {
			continue
		}
		if perm.Covers(required) {
			return true
		}
	}
	return false
}

// Token is the result of a successful authorization-code exchange. Key is
// the plaintext epi_ credential and is not recoverable afterward.
type Token struct {
	Key       string     `json:"access_token"`
	TenantID  string     `json:"-"`
	AgentID   string     `json:"-"`
	Scopes    []string   `json:"-"`
	ExpiresAt time.Time  `json:"-"`
	Tier      types.Tier `json:"-"`
}
