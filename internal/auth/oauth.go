package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPOAuthClient talks to the external token service over JSON HTTP.
type HTTPOAuthClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	client       *http.Client
}

// NewHTTPOAuthClient builds a client against the service's base URL.
func NewHTTPOAuthClient(baseURL, clientID, clientSecret, redirectURI string) *HTTPOAuthClient {
	return &HTTPOAuthClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

// NewState returns a fresh nonce for an authorization round-trip.
func NewState() string { return uuid.NewString() }

// AuthorizationURL builds the URL the user opens to begin authorization.
func (c *HTTPOAuthClient) AuthorizationURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("state", state)
	if c.redirectURI != "" {
		q.Set("redirect_uri", c.redirectURI)
	}
	return c.baseURL + "/authorize?" + q.Encode()
}

type grantResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"` // RFC3339
}

func (g *grantResponse) toGrant() *Grant {
	grant := &Grant{Token: g.Token, RefreshToken: g.RefreshToken}
	if g.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, g.ExpiresAt); err == nil {
			grant.ExpiresAt = t
		}
	}
	return grant
}

// ExchangeCode trades an authorization code for credentials.
func (c *HTTPOAuthClient) ExchangeCode(ctx context.Context, code, userID string) (*Grant, error) {
	var resp grantResponse
	err := c.post(ctx, "/token/exchange", map[string]string{
		"code":    code,
		"user_id": userID,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("exchange code: empty token in response")
	}
	return resp.toGrant(), nil
}

// ValidateToken asks the service whether a token is still good.
func (c *HTTPOAuthClient) ValidateToken(ctx context.Context, token string) (bool, string, error) {
	var resp struct {
		Valid  bool   `json:"valid"`
		UserID string `json:"user_id,omitempty"`
	}
	err := c.post(ctx, "/token/validate", map[string]string{"token": token}, &resp)
	if err != nil {
		return false, "", fmt.Errorf("validate token: %w", err)
	}
	return resp.Valid, resp.UserID, nil
}

// RefreshToken trades a refresh token for fresh credentials.
func (c *HTTPOAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*Grant, error) {
	var resp grantResponse
	err := c.post(ctx, "/token/refresh", map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("refresh token: empty token in response")
	}
	return resp.toGrant(), nil
}

// RevokeToken invalidates a token at the service.
func (c *HTTPOAuthClient) RevokeToken(ctx context.Context, token string) error {
	if err := c.post(ctx, "/token/revoke", map[string]string{"token": token}, nil); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (c *HTTPOAuthClient) post(ctx context.Context, path string, body map[string]string, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientSecret != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("oauth service returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
