// Package auth provides OAuth2 client-credential token providers with
// per-scope caching for the remote subsystem clients.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

// Well-known OAuth scopes for the Azure control planes.
const (
	ManagementScope = "https://management.azure.com/.default"
	GraphScope      = "https://graph.microsoft.com/.default"
)

// refreshMargin is how long before expiry a cached token is considered
// stale and refreshed.
const refreshMargin = 60 * time.Second

// TokenProvider hands out bearer tokens for a scope, refreshing them as
// they approach expiry.
type TokenProvider interface {
	Token(ctx context.Context, scope string) (string, error)
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func (t cachedToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt.Add(-refreshMargin))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// ClientCredentials acquires tokens from the Microsoft identity platform
// using the client-credentials grant. Tokens are cached per scope.
type ClientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client

	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewClientCredentials builds a provider for the given Entra tenant.
func NewClientCredentials(tenantID, clientID, clientSecret string, client *http.Client) *ClientCredentials {
	if client == nil {
		client = http.DefaultClient
	}
	return &ClientCredentials{
		tokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
		now:          time.Now,
		cache:        make(map[string]cachedToken),
	}
}

// Token returns a bearer token for the scope, reusing the cached value
// until it is within a minute of expiry.
func (p *ClientCredentials) Token(ctx context.Context, scope string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok := p.cache[scope]; ok && tok.valid(p.now()) {
		return tok.value, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"scope":         {scope},
	}
	tok, err := fetchToken(ctx, p.client, p.tokenURL, form, "", "")
	if err != nil {
		return "", err
	}
	p.cache[scope] = tok
	return tok.value, nil
}

// OIDCCredentials acquires tokens from a Databricks OIDC endpoint using
// HTTP basic authentication for the client credentials. The scope set is
// fixed per endpoint, so a single token is cached.
type OIDCCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
	client       *http.Client

	now func() time.Time

	mu     sync.Mutex
	cached cachedToken
}

// NewOIDCCredentials builds a provider against the given token endpoint.
func NewOIDCCredentials(tokenURL, clientID, clientSecret string, scopes []string, client *http.Client) *OIDCCredentials {
	if client == nil {
		client = http.DefaultClient
	}
	if len(scopes) == 0 {
		scopes = []string{"all-apis"}
	}
	return &OIDCCredentials{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scopes:       scopes,
		client:       client,
		now:          time.Now,
	}
}

// Token returns a bearer token, refreshing when the cached one is within
// a minute of expiry. The scope argument is ignored.
func (p *OIDCCredentials) Token(ctx context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.valid(p.now()) {
		return p.cached.value, nil
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {strings.Join(p.scopes, " ")},
	}
	tok, err := fetchToken(ctx, p.client, p.tokenURL, form, p.clientID, p.clientSecret)
	if err != nil {
		return "", err
	}
	p.cached = tok
	return tok.value, nil
}

func fetchToken(ctx context.Context, client *http.Client, tokenURL string, form url.Values, basicUser, basicPass string) (cachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, provision.NewPermanentError("building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}

	resp, err := client.Do(req)
	if err != nil {
		return cachedToken{}, provision.NewTransientError("requesting token", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return cachedToken{}, provision.NewTransientError("reading token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 {
			return cachedToken{}, provision.NewTransientError(msg, nil)
		}
		return cachedToken{}, provision.NewAuthError(msg, nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return cachedToken{}, provision.NewPermanentError("decoding token response", err)
	}
	if tr.AccessToken == "" {
		return cachedToken{}, provision.NewAuthError("token endpoint returned empty access_token", nil)
	}
	return cachedToken{
		value:     tr.AccessToken,
		expiresAt: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
