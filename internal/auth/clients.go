package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/types"
)

// Client is a registered OAuth client. Registration is open (RFC 7591
// style, token_endpoint_auth_method=none); the security boundary is PKCE
// plus exact redirect matching, not a client secret.
type Client struct {
	ID           string    `json:"client_id"`
	Name         string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"-"`
}

// AllowsRedirect reports whether uri is one of the registered redirect
// URIs. Matching is exact; no prefix or wildcard forms.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// RegisterClient validates the redirect set and stores a new client.
func (s *Service) RegisterClient(ctx context.Context, name string, redirectURIs []string) (*Client, error) {
	if len(redirectURIs) == 0 {
		return nil, types.NewError(types.KindValidation, "at least one redirect_uri is required")
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	urisJSON, err := json.Marshal(redirectURIs)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "encode redirect_uris")
	}
	client := &Client{ID: uuid.NewString(), Name: name, RedirectURIs: redirectURIs}
	err = s.store.Pool().QueryRow(ctx, `
		INSERT INTO shared.oauth_clients (id, name, redirect_uris)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		client.ID, name, urisJSON).Scan(&client.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register oauth client: %w", err)
	}
	s.log.Info("oauth client registered",
		zap.String("client", client.ID),
		zap.String("name", name),
		zap.Int("redirects", len(redirectURIs)))
	return client, nil
}

// GetClient loads a client by id.
func (s *Service) GetClient(ctx context.Context, id string) (*Client, error) {
	var c Client
	err := s.store.Pool().QueryRow(ctx, `
		SELECT id, name, redirect_uris, created_at
		FROM shared.oauth_clients WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.RedirectURIs, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewReasonError(types.KindNotFound, "invalid_client", "unknown client %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth client: %w", err)
	}
	return &c, nil
}

// validateRedirectURI enforces the redirect policy: absolute https URLs,
// or plain http only on a loopback host, and never a fragment.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return types.WrapError(types.KindValidation, err, "invalid redirect_uri %q", raw)
	}
	if !u.IsAbs() || u.Host == "" {
		return types.NewError(types.KindValidation, "redirect_uri %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return types.NewError(types.KindValidation, "redirect_uri %q must not carry a fragment", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return types.NewError(types.KindValidation, "http redirect_uri %q is only allowed on loopback", raw)
	default:
		return types.NewError(types.KindValidation, "redirect_uri %q must use http or https", raw)
	}
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
