package auth

import (
	"strings"
	"testing"

	"github.com/episteme-ai/episteme/internal/consent"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/testutil/teststore"
	"github.com/episteme-ai/episteme/internal/types"
)

// testVerifier is a well-formed PKCE verifier (43 chars).
const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

const testRedirect = "http://localhost:8787/callback"

func newTestService(t *testing.T, env *teststore.Env) *Service {
	t.Helper()
	return New(Config{
		Store:             env.Store,
		Consent:           consent.NewGate(nil),
		ResourceAllowlist: []string{"https://memory.episteme.ai"},
	}, nil)
}

func issueTestCode(t *testing.T, svc *Service, env *teststore.Env, clientID, scope string) string {
	t.Helper()
	code, err := svc.IssueCode(env.Ctx, AuthCodeInput{
		ClientID:      clientID,
		TenantID:      env.TenantID,
		AgentID:       "agent-1",
		Scope:         scope,
		RedirectURI:   testRedirect,
		CodeChallenge: S256Challenge(testVerifier),
	})
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	return code
}

func TestOAuthFlow(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	client, err := svc.RegisterClient(env.Ctx, "test agent", []string{testRedirect})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if client.ID == "" || !client.AllowsRedirect(testRedirect) {
		t.Fatalf("registered client = %+v", client)
	}

	code := issueTestCode(t, svc, env, client.ID, "profile:read tables:write")

	tok, err := svc.Exchange(env.Ctx, ExchangeInput{
		ClientID:    client.ID,
		Code:        code,
		Verifier:    testVerifier,
		RedirectURI: testRedirect,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !strings.HasPrefix(tok.Key, "epi_") {
		t.Errorf("token key = %q, want epi_ prefix", tok.Key)
	}
	if tok.TenantID != env.TenantID || tok.AgentID != "agent-1" {
		t.Errorf("token identity = %s/%s", tok.TenantID, tok.AgentID)
	}
	if len(tok.Scopes) != 2 || tok.Scopes[0] != "profile:read" || tok.Scopes[1] != "tables:write" {
		t.Errorf("token scopes = %v", tok.Scopes)
	}

	p, err := svc.Resolve(env.Ctx, "Bearer "+tok.Key)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.TenantID != env.TenantID || p.AgentID != "agent-1" {
		t.Errorf("principal = %+v", p)
	}
	if p.Tier != types.TierPro {
		t.Errorf("tier = %q, want the provisioned tier", p.Tier)
	}
	if !p.Allows("profile", types.PermissionRead) {
		t.Error("profile:read scope should allow profile reads")
	}
	if p.Allows("profile", types.PermissionWrite) {
		t.Error("profile:read scope must not allow profile writes")
	}
	if p.Allows("vectors", types.PermissionRead) {
		t.Error("unscoped domain must be denied")
	}

	// The grant also materialized consent rules inside the tenant.
	gate := consent.NewGate(nil)
	env.With(func(tx *storage.Tx) error {
		perm, _, err := gate.Effective(env.Ctx, tx, "agent-1", "tables/meals")
		if err != nil {
			return err
		}
		if perm != types.PermissionWrite {
			t.Errorf("consent on tables/meals = %q, want write", perm)
		}
		perm, _, err = gate.Effective(env.Ctx, tx, "agent-1", "profile")
		if err != nil {
			return err
		}
		if perm != types.PermissionRead {
			t.Errorf("consent on profile = %q, want read", perm)
		}
		return nil
	})
}

func TestExchangeReplayBurnsCode(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	client, err := svc.RegisterClient(env.Ctx, "replayer", []string{testRedirect})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	code := issueTestCode(t, svc, env, client.ID, "memory:read")

	in := ExchangeInput{ClientID: client.ID, Code: code, Verifier: testVerifier, RedirectURI: testRedirect}
	if _, err := svc.Exchange(env.Ctx, in); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, err = svc.Exchange(env.Ctx, in)
	if types.KindOf(err) != types.KindValidation || types.ReasonOf(err) != "invalid_grant" {
		t.Errorf("replayed exchange = %v, want invalid_grant", err)
	}
}

func TestExchangeWrongVerifierBurnsCode(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	client, err := svc.RegisterClient(env.Ctx, "fumbler", []string{testRedirect})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	code := issueTestCode(t, svc, env, client.ID, "memory:read")

	wrong := strings.Repeat("a", 43)
	_, err = svc.Exchange(env.Ctx, ExchangeInput{
		ClientID: client.ID, Code: code, Verifier: wrong, RedirectURI: testRedirect,
	})
	if types.ReasonOf(err) != "invalid_grant" {
		t.Fatalf("wrong verifier = %v, want invalid_grant", err)
	}

	// The failed attempt consumed the code; the right verifier is too late.
	_, err = svc.Exchange(env.Ctx, ExchangeInput{
		ClientID: client.ID, Code: code, Verifier: testVerifier, RedirectURI: testRedirect,
	})
	if types.ReasonOf(err) != "invalid_grant" {
		t.Errorf("retry after burn = %v, want invalid_grant", err)
	}
}

func TestExchangeExpiredCode(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	client, err := svc.RegisterClient(env.Ctx, "slowpoke", []string{testRedirect})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	code := issueTestCode(t, svc, env, client.ID, "memory:read")

	if _, err := env.Store.Pool().Exec(env.Ctx, `
		UPDATE shared.oauth_codes SET expires_at = now() - interval '1 second'
		WHERE tenant_id = $1`, env.TenantID); err != nil {
		t.Fatalf("backdate code: %v", err)
	}

	_, err = svc.Exchange(env.Ctx, ExchangeInput{
		ClientID: client.ID, Code: code, Verifier: testVerifier, RedirectURI: testRedirect,
	})
	if types.ReasonOf(err) != "invalid_grant" {
		t.Errorf("expired code exchange = %v, want invalid_grant", err)
	}
}

func TestExchangeMaxLengthVerifier(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	client, err := svc.RegisterClient(env.Ctx, "verbose", []string{testRedirect})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	// 128 chars is the RFC 7636 ceiling and must still exchange cleanly.
	verifier := strings.Repeat("v", 128)
	code, err := svc.IssueCode(env.Ctx, AuthCodeInput{
		ClientID:      client.ID,
		TenantID:      env.TenantID,
		AgentID:       "agent-1",
		Scope:         "memory:read",
		RedirectURI:   testRedirect,
		CodeChallenge: S256Challenge(verifier),
	})
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	tok, err := svc.Exchange(env.Ctx, ExchangeInput{
		ClientID: client.ID, Code: code, Verifier: verifier, RedirectURI: testRedirect,
	})
	if err != nil {
		t.Fatalf("Exchange with 128-char verifier: %v", err)
	}
	if !strings.HasPrefix(tok.Key, "epi_") {
		t.Errorf("token key = %q, want epi_ prefix", tok.Key)
	}
}

func TestExchangeChecksBinding(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	client, err := svc.RegisterClient(env.Ctx, "bound", []string{testRedirect, "http://localhost:9999/other"})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	// A different registered redirect than the one the code was issued for.
	code := issueTestCode(t, svc, env, client.ID, "memory:read")
	_, err = svc.Exchange(env.Ctx, ExchangeInput{
		ClientID: client.ID, Code: code, Verifier: testVerifier, RedirectURI: "http://localhost:9999/other",
	})
	if types.ReasonOf(err) != "invalid_grant" {
		t.Errorf("redirect mismatch = %v, want invalid_grant", err)
	}

	// A different client presenting a stolen code.
	other, err := svc.RegisterClient(env.Ctx, "thief", []string{testRedirect})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	code = issueTestCode(t, svc, env, client.ID, "memory:read")
	_, err = svc.Exchange(env.Ctx, ExchangeInput{
		ClientID: other.ID, Code: code, Verifier: testVerifier, RedirectURI: testRedirect,
	})
	if types.ReasonOf(err) != "invalid_grant" {
		t.Errorf("client mismatch = %v, want invalid_grant", err)
	}
}

func TestIssueCodeRejections(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	client, err := svc.RegisterClient(env.Ctx, "strict", []string{testRedirect})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	base := AuthCodeInput{
		ClientID:      client.ID,
		TenantID:      env.TenantID,
		AgentID:       "agent-1",
		RedirectURI:   testRedirect,
		CodeChallenge: S256Challenge(testVerifier),
	}

	tests := []struct {
		name   string
		mutate func(in *AuthCodeInput)
		reason string
	}{
		{"unregistered redirect", func(in *AuthCodeInput) { in.RedirectURI = "http://localhost:1234/evil" }, "invalid_request"},
		{"malformed challenge", func(in *AuthCodeInput) { in.CodeChallenge = "short" }, "invalid_request"},
		{"unknown resource", func(in *AuthCodeInput) { in.Resource = "https://evil.example.com" }, "invalid_target"},
		{"unknown client", func(in *AuthCodeInput) { in.ClientID = "00000000-0000-0000-0000-000000000000" }, "invalid_client"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := svc.IssueCode(env.Ctx, in)
			if types.ReasonOf(err) != tt.reason {
				t.Errorf("IssueCode = %v, want reason %s", err, tt.reason)
			}
		})
	}

	t.Run("unknown scope", func(t *testing.T) {
		in := base
		in.Scope = "billing:read"
		_, err := svc.IssueCode(env.Ctx, in)
		if types.KindOf(err) != types.KindValidation {
			t.Errorf("IssueCode = %v, want validation error", err)
		}
	})
}

func TestMintResolveRevoke(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	plaintext, key, err := svc.MintKey(env.Ctx, MintKeyInput{
		TenantID: env.TenantID,
		AgentID:  "agent-2",
		Scopes:   []string{"memory:read"},
	})
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	if len(plaintext) != len("epi_")+43 {
		t.Errorf("key length = %d", len(plaintext))
	}

	p, err := svc.Resolve(env.Ctx, plaintext)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.AgentID != "agent-2" || len(p.Scopes) != 1 || p.Scopes[0] != "memory:read" {
		t.Errorf("principal = %+v", p)
	}

	// Resolving touches last_used_at.
	var touched bool
	err = env.Store.Pool().QueryRow(env.Ctx,
		`SELECT last_used_at IS NOT NULL FROM shared.api_keys WHERE id = $1`, key.ID).Scan(&touched)
	if err != nil {
		t.Fatalf("read back key: %v", err)
	}
	if !touched {
		t.Error("last_used_at not set by Resolve")
	}

	keys, err := svc.ListKeys(env.Ctx, env.TenantID)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != key.ID {
		t.Errorf("ListKeys = %+v", keys)
	}

	if err := svc.RevokeKey(env.Ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := svc.Resolve(env.Ctx, plaintext); types.ReasonOf(err) != "invalid_token" {
		t.Errorf("resolve revoked key = %v, want invalid_token", err)
	}
	keys, err = svc.ListKeys(env.Ctx, env.TenantID)
	if err != nil {
		t.Fatalf("ListKeys after revoke: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("revoked key still listed: %+v", keys)
	}

	if err := svc.RevokeKey(env.Ctx, "00000000-0000-0000-0000-000000000000"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("revoke unknown key = %v, want not-found", err)
	}
}

func TestResolveExpiredKey(t *testing.T) {
	env := teststore.NewEnv(t)
	svc := newTestService(t, env)

	plaintext, key, err := svc.MintKey(env.Ctx, MintKeyInput{
		TenantID: env.TenantID,
		AgentID:  "agent-3",
		Scopes:   []string{"profile:read"},
	})
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	_, err = env.Store.Pool().Exec(env.Ctx,
		`UPDATE shared.api_keys SET expires_at = now() - interval '1 hour' WHERE id = $1`, key.ID)
	if err != nil {
		t.Fatalf("age key: %v", err)
	}
	if _, err := svc.Resolve(env.Ctx, plaintext); types.ReasonOf(err) != "invalid_token" {
		t.Errorf("resolve expired key = %v, want invalid_token", err)
	}
}
