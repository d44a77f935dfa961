// Package auth implements Microsoft Entra ID sign-in and the server-side
// session table.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailtriage/email-agent/pkg/logging"
)

// DefaultAuthority is the Entra ID login host.
const DefaultAuthority = "https://login.microsoftonline.com"

var oidcScopes = []string{"openid", "profile", "offline_access"}

// Claims are the identity fields read from the ID token.
type Claims struct {
	Name  string
	Email string
}

// TokenResult is a successful code exchange or refresh.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Claims       Claims
}

// ExpiresAt is when the access token lapses, counted from now.
func (t *TokenResult) ExpiresAt(now time.Time) time.Time {
	return now.Add(t.ExpiresIn)
}

// Provider is the OAuth authorization-code flow.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*TokenResult, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResult, error)
	LogoutURL(postLogoutRedirect string) string
}

// OAuthConfig configures the Entra ID client.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURL  string
	Scopes       []string
	// Authority overrides DefaultAuthority.
	Authority string
}

// EntraID is the confidential-client Provider for Microsoft Entra ID.
type EntraID struct {
	cfg       *oauth2.Config
	authority string
	tenant    string
	logger    *logging.Logger
}

// NewEntraID builds the provider. Graph scopes are extended with the
// OpenID scopes needed for an ID token and a refresh token.
func NewEntraID(c OAuthConfig, logger *logging.Logger) *EntraID {
	if c.Authority == "" {
		c.Authority = DefaultAuthority
	}
	authority := strings.TrimRight(c.Authority, "/")
	if logger == nil {
		logger = logging.Nop()
	}

	scopes := append([]string{}, c.Scopes...)
	for _, s := range oidcScopes {
		if !contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}

	return &EntraID{
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", authority, c.TenantID),
				TokenURL:  fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, c.TenantID),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		authority: authority,
		tenant:    c.TenantID,
		logger:    logger.Named("oauth"),
	}
}

// AuthCodeURL is the login redirect for state.
func (p *EntraID) AuthCodeURL(state string) string {
	p.logger.Info("oauth.auth_url_built")
	return p.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens.
func (p *EntraID) Exchange(ctx context.Context, code string) (*TokenResult, error) {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		p.logger.Error("oauth.token_exchange_failed", map[string]interface{}{"error": describe(err)})
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	res := toResult(tok)
	p.logger.Info("oauth.token_acquired", map[string]interface{}{
		"has_refresh_token": res.RefreshToken != "",
		"expires_in":        int(res.ExpiresIn.Seconds()),
	})
	return res, nil
}

// Refresh uses a refresh token to get a new access token. The old refresh
// token is kept when the server does not rotate it.
func (p *EntraID) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		p.logger.Warn("oauth.token_refresh_failed", map[string]interface{}{"error": describe(err)})
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	res := toResult(tok)
	if res.RefreshToken == "" {
		res.RefreshToken = refreshToken
	}
	p.logger.Info("oauth.token_refreshed", map[string]interface{}{
		"has_new_refresh_token": tok.RefreshToken != "" && tok.RefreshToken != refreshToken,
		"expires_in":            int(res.ExpiresIn.Seconds()),
	})
	return res, nil
}

// LogoutURL ends the Microsoft SSO session and returns the browser to
// postLogoutRedirect.
func (p *EntraID) LogoutURL(postLogoutRedirect string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/logout?post_logout_redirect_uri=%s",
		p.authority, p.tenant, url.QueryEscape(postLogoutRedirect))
}

func toResult(tok *oauth2.Token) *TokenResult {
	expiresIn := time.Hour
	if !tok.Expiry.IsZero() {
		expiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	res := &TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		res.Claims = ParseIDTokenClaims(idToken)
	}
	return res
}

// ParseIDTokenClaims reads name and email from an ID token payload. The
// token comes straight from the token endpoint over TLS, so the signature
// is not checked. Email prefers preferred_username, then email, then upn.
func ParseIDTokenClaims(idToken string) Claims {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return Claims{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Claims{}
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Claims{}
	}

	c := Claims{Name: claim(raw, "name")}
	for _, k := range []string{"preferred_username", "email", "upn"} {
		if v := claim(raw, k); v != "" {
			c.Email = v
			break
		}
	}
	return c
}

func claim(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func describe(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorDescription != "" {
			return re.ErrorDescription
		}
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
	}
	return err.Error()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
