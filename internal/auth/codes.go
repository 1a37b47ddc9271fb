package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// PKCE verifier bounds from RFC 7636.
const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// An S256 challenge is base64url(sha256(verifier)): exactly 43 unpadded
// characters. Plain challenges are not supported.
var challengeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// S256Challenge derives the PKCE challenge for a verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CheckResource validates an RFC 8707 resource indicator against the
// deployment allowlist. Comparison tolerates a trailing slash on either
// side. An empty indicator is allowed; the parameter is optional.
func (s *Service) CheckResource(resource string) error {
	if resource == "" {
		return nil
	}
	want := strings.TrimRight(resource, "/")
	for _, allowed := range s.allowlist {
		if want == strings.TrimRight(allowed, "/") {
			return nil
		}
	}
	return types.NewReasonError(types.KindValidation, "invalid_target",
		"resource %q is not served here", resource)
}

// AuthCodeInput is an approved consent submission.
type AuthCodeInput struct {
	ClientID string
	TenantID string
	// AgentID names the agent the eventual key acts as. Empty falls back
	// to the client id.
	AgentID       string
	Scope         string
	Resource      string
	RedirectURI   string
	CodeChallenge string
}

// IssueCode validates the authorization request and stores a hashed,
// single-use code. The plaintext code is returned once for the redirect.
func (s *Service) IssueCode(ctx context.Context, in AuthCodeInput) (string, error) {
	client, err := s.GetClient(ctx, in.ClientID)
	if err != nil {
		return "", err
	}
	if !client.AllowsRedirect(in.RedirectURI) {
		return "", types.NewReasonError(types.KindValidation, "invalid_request",
			"redirect_uri is not registered for client %s", in.ClientID)
	}
	if !challengeRe.MatchString(in.CodeChallenge) {
		return "", types.NewReasonError(types.KindValidation, "invalid_request",
			"code_challenge must be a 43-character S256 digest")
	}
	if _, err := ParseScopes(in.Scope); err != nil {
		return "", err
	}
	if err := s.CheckResource(in.Resource); err != nil {
		return "", err
	}
	if in.TenantID == "" {
		return "", types.NewError(types.KindValidation, "tenant is required to issue a code")
	}

	code, err := randBase62(keyRandLen)
	if err != nil {
		return "", err
	}
	_, err = s.store.Pool().Exec(ctx, `
		INSERT INTO shared.oauth_codes
		    (code_hash, client_id, tenant_id, agent_id, scope, resource, redirect_uri, code_challenge, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		hashSecret(code), in.ClientID, in.TenantID, in.AgentID, in.Scope,
		in.Resource, in.RedirectURI, in.CodeChallenge, time.Now().UTC().Add(s.codeTTL))
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	s.log.Info("authorization code issued",
		zap.String("client", in.ClientID),
		zap.String("tenant", in.TenantID))
	return code, nil
}

// ExchangeInput is a token request.
type ExchangeInput struct {
	ClientID    string
	Code        string
	Verifier    string
	RedirectURI string
}

// Exchange redeems an authorization code for an epi_ key. The code is
// consumed before any check runs: a failed exchange burns it, so an
// attacker who intercepted the code cannot retry with better guesses.
// Granted scopes also land as consent rules inside the tenant, so the
// minted key passes the per-resource gate without a separate approval
// step.
func (s *Service) Exchange(ctx context.Context, in ExchangeInput) (*Token, error) {
	if l := len(in.Verifier); l < minVerifierLen || l > maxVerifierLen {
		return nil, types.NewReasonError(types.KindValidation, "invalid_grant",
			"code_verifier length must be between %d and %d", minVerifierLen, maxVerifierLen)
	}

	var (
		clientID, tenantID, agentID  string
		scope, resource, redirectURI string
		challenge                    string
	)
	err := s.store.Pool().QueryRow(ctx, `
		UPDATE shared.oauth_codes SET used_at = now()
		WHERE code_hash = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING client_id, tenant_id, agent_id, scope, resource, redirect_uri, code_challenge`,
		hashSecret(in.Code)).
		Scan(&clientID, &tenantID, &agentID, &scope, &resource, &redirectURI, &challenge)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewReasonError(types.KindValidation, "invalid_grant",
			"authorization code is invalid, expired, or already used")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if clientID != in.ClientID {
		return nil, types.NewReasonError(types.KindValidation, "invalid_grant", "code was issued to another client")
	}
	if redirectURI != in.RedirectURI {
		return nil, types.NewReasonError(types.KindValidation, "invalid_grant", "redirect_uri does not match the authorization request")
	}
	derived := S256Challenge(in.Verifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return nil, types.NewReasonError(types.KindValidation, "invalid_grant", "PKCE verification failed")
	}

	scopes, err := ParseScopes(scope)
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		agentID = clientID
	}

	// Consent rows first: if they cannot be written, no key exists that
	// they would have had to cover.
	err = s.store.WithTenant(ctx, tenantID, func(tx *storage.Tx) error {
		for res, perm := range scopeGrants(scopes) {
			if _, err := s.consent.Grant(ctx, tx, agentID, res, perm, "oauth"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record oauth consent: %w", err)
	}

	plaintext, key, err := s.MintKey(ctx, MintKeyInput{
		TenantID: tenantID,
		AgentID:  agentID,
		Scopes:   scopes,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("authorization code exchanged",
		zap.String("client", clientID),
		zap.String("tenant", tenantID),
		zap.String("agent", agentID))
	return &Token{
		Key:       plaintext,
		TenantID:  tenantID,
		AgentID:   agentID,
		Scopes:    scopes,
		ExpiresAt: key.ExpiresAt,
	}, nil
}
