// ABOUTME: OAuth2 authorization-code capability built on golang.org/x/oauth2
// ABOUTME: Ships endpoint defaults for github, google, slack and reddit

package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/2389/toolbroker/internal/config"
	"github.com/2389/toolbroker/internal/tools"
)

// ErrNoProvider is returned for oauth2 tools with no provider settings.
var ErrNoProvider = errors.New("no OAuth2 provider configured")

// Provider holds the fixed endpoint settings of a well-known OAuth2 provider.
type Provider struct {
	Endpoint oauth2.Endpoint
	Scopes   []string
}

// KnownProviders are used when a tool's provider config omits endpoints or scopes.
var KnownProviders = map[string]Provider{
	"github": {
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://github.com/login/oauth/authorize",
			TokenURL: "https://github.com/login/oauth/access_token",
		},
		Scopes: []string{"repo", "user"},
	},
	"google": {
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{"openid", "email", "profile"},
	},
	"slack": {
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://slack.com/oauth/v2/authorize",
			TokenURL: "https://slack.com/api/oauth.v2.access",
		},
		Scopes: []string{"chat:write", "channels:read"},
	},
	"reddit": {
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://www.reddit.com/api/v1/authorize",
			TokenURL:  "https://www.reddit.com/api/v1/access_token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{"identity", "read", "submit", "vote", "save"},
	},
}

// OAuth2 implements tools.CodeExchanger.
type OAuth2 struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuth2 builds the exchanger for tool from its provider settings.
// Missing endpoints and scopes fall back to KnownProviders.
func NewOAuth2(tool string, p config.ProviderConfig, redirectURL string, httpClient *http.Client) (*OAuth2, error) {
	known := KnownProviders[tool]

	endpoint := known.Endpoint
	if p.AuthURL != "" {
		endpoint.AuthURL = p.AuthURL
	}
	if p.TokenURL != "" {
		endpoint.TokenURL = p.TokenURL
	}
	switch p.AuthStyle {
	case "header":
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	case "params":
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, fmt.Errorf("%w: tool %q needs auth_url and token_url", ErrNoProvider, tool)
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = known.Scopes
	}

	return &OAuth2{
		config: &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		httpClient: httpClient,
	}, nil
}

// AuthCodeURL returns the provider authorization URL carrying state.
func (o *OAuth2) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state)
}

// ExchangeCode trades code for a token. Responses without an access token are rejected.
func (o *OAuth2) ExchangeCode(ctx context.Context, code string) (*tools.Grant, error) {
	if o.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}

	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return nil, fmt.Errorf("OAuth error: %s - %s", re.ErrorCode, re.ErrorDescription)
		}
		return nil, fmt.Errorf("exchanging code: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("no access_token received from OAuth provider")
	}

	return grantFromToken(token), nil
}

func grantFromToken(token *oauth2.Token) *tools.Grant {
	payload := map[string]any{
		"auth_type":    string(tools.AuthOAuth2),
		"access_token": token.AccessToken,
		"token_type":   token.Type(),
	}
	if token.RefreshToken != "" {
		payload["refresh_token"] = token.RefreshToken
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		payload["scope"] = scope
	}

	grant := &tools.Grant{Payload: payload}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		payload["expires_at"] = expiry.Format(time.RFC3339)
		grant.ExpiresAt = &expiry
	}
	return grant
}

var _ tools.CodeExchanger = (*OAuth2)(nil)
