package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"cordrest/internal/routes"
)

// Token types used as the Authorization scheme.
const (
	TokenTypeBot    = "Bot"
	TokenTypeBearer = "Bearer"
	TokenTypeBasic  = "Basic"
)

// TokenStrategy produces Authorization header values on demand. Invalidate
// is called with a value that the remote service rejected with 401; the
// client then acquires a fresh one and retries the request once.
type TokenStrategy interface {
	Acquire(ctx context.Context, c *Client) (string, error)
	Invalidate(authorization string)
}

// ClientCredentialsStrategy authenticates as the application's owner using
// the OAuth2 client credentials grant, caching the access token until shortly
// before it expires.
type ClientCredentialsStrategy struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	mu        sync.Mutex
	current   string
	expiresAt time.Time
}

// NewClientCredentialsStrategy creates a strategy for the given application.
func NewClientCredentialsStrategy(clientID, clientSecret string, scopes ...string) *ClientCredentialsStrategy {
	return &ClientCredentialsStrategy{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	}
}

// expiryMargin renews tokens this long before the server says they expire.
const expiryMargin = 10 * time.Second

type accessToken struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	ExpiresIn   float64 `json:"expires_in"`
	Scope       string  `json:"scope"`
}

// Acquire implements TokenStrategy.
func (s *ClientCredentialsStrategy) Acquire(ctx context.Context, c *Client) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.clock.Now()
	if s.current != "" && now.Before(s.expiresAt) {
		return s.current, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", strings.Join(s.Scopes, " "))

	basic := base64.StdEncoding.EncodeToString([]byte(s.ClientID + ":" + s.ClientSecret))
	body, err := c.Execute(ctx, &Request{
		Route: routes.PostToken.MustCompile(nil),
		Form:  form,
		Auth:  TokenTypeBasic + " " + basic,
	})
	if err != nil {
		return "", fmt.Errorf("client credentials grant: %w", err)
	}

	var tok accessToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("client credentials grant returned no access token")
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = TokenTypeBearer
	}
	s.current = tokenType + " " + tok.AccessToken
	s.expiresAt = now.Add(time.Duration(tok.ExpiresIn*float64(time.Second)) - expiryMargin)
	return s.current, nil
}

// Invalidate implements TokenStrategy.
func (s *ClientCredentialsStrategy) Invalidate(authorization string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if authorization == "" || authorization == s.current {
		s.current = ""
		s.expiresAt = time.Time{}
	}
}
