package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/types"
)

// Key format: a fixed prefix so keys are grep-able in leaked logs, then
// 43 base62 characters (~256 bits).
const (
	keyPrefix  = "epi_"
	keyRandLen = 43
)

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// randBase62 draws n uniform alphabet characters. Bytes at or above the
// largest multiple of 62 are redrawn; plain modulo would skew the first
// eight characters of the alphabet.
func randBase62(n int) (string, error) {
	limit := byte(len(base62) * (256 / len(base62)))
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to draw key material: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, base62[int(b)%len(base62)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// APIKey is the stored record of a minted key. The plaintext is not part
// of it.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// MintKeyInput names the principal a new key stands for.
type MintKeyInput struct {
	TenantID string
	AgentID  string
	Scopes   []string
}

// MintKey creates an API key and returns the plaintext exactly once.
func (s *Service) MintKey(ctx context.Context, in MintKeyInput) (string, *APIKey, error) {
	if in.TenantID == "" || in.AgentID == "" {
		return "", nil, types.NewError(types.KindValidation, "tenant and agent are required to mint a key")
	}
	for _, sc := range in.Scopes {
		if _, _, err := splitScope(sc); err != nil {
			return "", nil, err
		}
	}
	secret, err := randBase62(keyRandLen)
	if err != nil {
		return "", nil, err
	}
	plaintext := keyPrefix + secret

	scopesJSON, err := json.Marshal(in.Scopes)
	if err != nil {
		return "", nil, types.WrapError(types.KindValidation, err, "encode scopes")
	}
	key := &APIKey{
		ID:       uuid.NewString(),
		TenantID: in.TenantID,
		AgentID:  in.AgentID,
		Scopes:   in.Scopes,
	}
	key.ExpiresAt = time.Now().UTC().Add(s.keyTTL)
	err = s.store.Pool().QueryRow(ctx, `
		INSERT INTO shared.api_keys (id, key_hash, tenant_id, agent_id, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		key.ID, hashSecret(plaintext), in.TenantID, in.AgentID, scopesJSON, key.ExpiresAt).
		Scan(&key.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to mint api key: %w", err)
	}
	s.log.Info("api key minted",
		zap.String("tenant", in.TenantID),
		zap.String("agent", in.AgentID),
		zap.Strings("scopes", in.Scopes),
		zap.Time("expires", key.ExpiresAt))
	return plaintext, key, nil
}

// Resolve turns a presented credential into a Principal. It accepts the
// raw epi_ key or a full Authorization header value. Failures carry the
// OAuth reason token invalid_token so the edge can map them onto
// WWW-Authenticate errors without string matching.
func (s *Service) Resolve(ctx context.Context, credential string) (*Principal, error) {
	token := strings.TrimSpace(credential)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if !strings.HasPrefix(token, keyPrefix) {
		return nil, types.NewReasonError(types.KindValidation, "invalid_token", "credential is not an %s key", keyPrefix)
	}

	// One statement: the expiry/revocation check, the tier join, and the
	// last_used_at touch all see the same row version.
	var (
		p      Principal
		tier   string
		scopes []string
	)
	err := s.store.Pool().QueryRow(ctx, `
		UPDATE shared.api_keys k SET last_used_at = now()
		FROM shared.tenants t
		WHERE k.key_hash = $1
		  AND k.revoked_at IS NULL
		  AND k.expires_at > now()
		  AND t.id = k.tenant_id
		RETURNING k.tenant_id, k.agent_id, k.scopes, t.tier`,
		hashSecret(token)).Scan(&p.TenantID, &p.AgentID, &scopes, &tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewReasonError(types.KindValidation, "invalid_token", "unknown, expired, or revoked API key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	p.Tier = types.Tier(tier)
	p.Scopes = scopes
	return &p, nil
}

// RevokeKey marks a key revoked by id. Revoking an already-revoked or
// unknown key reports not found.
func (s *Service) RevokeKey(ctx context.Context, id string) error {
	tag, err := s.store.Pool().Exec(ctx, `
		UPDATE shared.api_keys SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewError(types.KindNotFound, "api key %s not found", id)
	}
	s.log.Info("api key revoked", zap.String("id", id))
	return nil
}

// ListKeys returns a tenant's unrevoked keys, newest first.
func (s *Service) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := s.store.Pool().Query(ctx, `
		SELECT id, tenant_id, agent_id, scopes, created_at, expires_at, revoked_at, last_used_at
		FROM shared.api_keys
		WHERE tenant_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()
	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.AgentID, &k.Scopes,
			&k.CreatedAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
