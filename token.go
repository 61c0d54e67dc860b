package gmail

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenProvider supplies OAuth 2.0 access tokens for XOAUTH2.
type TokenProvider interface {
	// Token returns the current access token.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new access token, used after the server rejected
	// the current one.
	Refresh(ctx context.Context) error
}

// StaticToken is a fixed access token that cannot be refreshed.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

func (StaticToken) Refresh(context.Context) error { return ErrTokenNotRefreshable }

// TokenFunc builds a TokenProvider from a function that fetches a token.
// When refresh is true the function must bypass any cache it keeps.
type TokenFunc func(ctx context.Context, refresh bool) (string, error)

// CachedToken returns a provider that calls f once and caches the token until
// Refresh.
func (f TokenFunc) CachedToken() TokenProvider {
	return &cachedToken{fetch: f}
}

type cachedToken struct {
	fetch TokenFunc
	mu    sync.Mutex
	token string
}

func (c *cachedToken) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	t, err := c.fetch(ctx, false)
	if err != nil {
		return "", err
	}
	c.token = t
	return t, nil
}

func (c *cachedToken) Refresh(ctx context.Context) error {
	t, err := c.fetch(ctx, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
	return nil
}

// OAuth2Token returns a provider backed by an OAuth 2.0 client
// configuration, such as one built for Google's token endpoint with the
// https://mail.google.com/ scope. tok must carry a refresh token for Refresh
// to work. Refresh always exchanges the refresh token, even when the cached
// access token has not expired.
func OAuth2Token(cfg *oauth2.Config, tok *oauth2.Token) TokenProvider {
	return &oauth2Token{cfg: cfg, tok: tok}
}

type oauth2Token struct {
	cfg *oauth2.Config
	mu  sync.Mutex
	tok *oauth2.Token
}

func (o *oauth2Token) Token(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tok.Valid() {
		return o.tok.AccessToken, nil
	}
	return o.refreshLocked(ctx)
}

func (o *oauth2Token) Refresh(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.refreshLocked(ctx)
	return err
}

func (o *oauth2Token) refreshLocked(ctx context.Context) (string, error) {
	if o.tok == nil || o.tok.RefreshToken == "" {
		return "", ErrTokenNotRefreshable
	}
	// A token with only a refresh token is always expired, which forces the
	// exchange.
	t, err := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: o.tok.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("gmail oauth2 refresh: %w", err)
	}
	o.tok = t
	return t.AccessToken, nil
}
