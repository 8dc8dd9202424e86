package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

func newTokenServer(t *testing.T, calls *int, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCredentialsCachesPerScope(t *testing.T) {
	var calls int
	srv := newTokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		scope := r.PostForm.Get("scope")
		fmt.Fprintf(w, `{"access_token":"tok-%s-%d","expires_in":3600}`, scope, calls)
	})

	p := NewClientCredentials("tenant", "client", "secret", srv.Client())
	p.tokenURL = srv.URL

	ctx := context.Background()
	first, err := p.Token(ctx, "scope-a")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	again, err := p.Token(ctx, "scope-a")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if first != again {
		t.Errorf("second call returned %q, want cached %q", again, first)
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times for one scope, want 1", calls)
	}

	if _, err := p.Token(ctx, "scope-b"); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("token endpoint called %d times for two scopes, want 2", calls)
	}
}

func TestClientCredentialsRefreshesNearExpiry(t *testing.T) {
	var calls int
	srv := newTokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, calls)
	})

	p := NewClientCredentials("tenant", "client", "secret", srv.Client())
	p.tokenURL = srv.URL

	ctx := context.Background()
	if _, err := p.Token(ctx, "scope"); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	// Move the clock to within the refresh margin of expiry.
	p.now = func() time.Time { return time.Now().Add(3600*time.Second - 30*time.Second) }
	tok, err := p.Token(ctx, "scope")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("Token() = %q, want refreshed tok-2", tok)
	}
	if calls != 2 {
		t.Errorf("token endpoint called %d times, want 2", calls)
	}
}

func TestClientCredentialsAuthFailure(t *testing.T) {
	var calls int
	srv := newTokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	})

	p := NewClientCredentials("tenant", "client", "bad", srv.Client())
	p.tokenURL = srv.URL

	_, err := p.Token(context.Background(), "scope")
	if err == nil {
		t.Fatal("Token() error = nil, want auth error")
	}
	if got := provision.ClassOf(err); got != provision.ErrClassAuth {
		t.Errorf("ClassOf() = %v, want %v", got, provision.ErrClassAuth)
	}
}

func TestClientCredentialsServerErrorIsTransient(t *testing.T) {
	var calls int
	srv := newTokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	p := NewClientCredentials("tenant", "client", "secret", srv.Client())
	p.tokenURL = srv.URL

	_, err := p.Token(context.Background(), "scope")
	if got := provision.ClassOf(err); got != provision.ErrClassTransient {
		t.Errorf("ClassOf() = %v, want %v", got, provision.ErrClassTransient)
	}
}

func TestOIDCCredentialsBasicAuth(t *testing.T) {
	var calls int
	srv := newTokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "sp-id" || pass != "sp-secret" {
			t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("scope"); got != "all-apis" {
			t.Errorf("scope = %q, want all-apis", got)
		}
		fmt.Fprint(w, `{"access_token":"wst","expires_in":3600}`)
	})

	p := NewOIDCCredentials(srv.URL, "sp-id", "sp-secret", nil, srv.Client())
	tok, err := p.Token(context.Background(), "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok != "wst" {
		t.Errorf("Token() = %q, want wst", tok)
	}

	if _, err := p.Token(context.Background(), ""); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times, want 1 (cached)", calls)
	}
}
