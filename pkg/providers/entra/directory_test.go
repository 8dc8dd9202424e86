package entra

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lakeforge/lakeforge/pkg/provision"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

type staticTokens struct{}

func (staticTokens) Token(context.Context, string) (string, error) { return "test-token", nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, staticTokens{}, srv.Client(), telemetry.Nop(), nil)
}

func TestEnsureApplicationFindsExisting(t *testing.T) {
	var posts int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if got := r.URL.Query().Get("$filter"); !strings.Contains(got, "displayName eq 'demo'") {
				t.Errorf("filter = %q", got)
			}
			fmt.Fprint(w, `{"value": [{"id": "obj-1", "appId": "app-1", "displayName": "demo"}]}`)
		case http.MethodPost:
			posts++
		}
	})

	app, err := c.EnsureApplication(context.Background(), "demo")
	if err != nil {
		t.Fatalf("EnsureApplication() error = %v", err)
	}
	if app.ObjectID != "obj-1" || app.AppID != "app-1" {
		t.Errorf("app = %+v", app)
	}
	if posts != 0 {
		t.Errorf("POST issued %d times for an existing application", posts)
	}
}

func TestEnsureApplicationCreates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"value": []}`)
		case http.MethodPost:
			if r.URL.Path != "/applications" {
				t.Errorf("path = %q", r.URL.Path)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": "obj-2", "appId": "app-2", "displayName": "demo"}`)
		}
	})

	app, err := c.EnsureApplication(context.Background(), "demo")
	if err != nil {
		t.Fatalf("EnsureApplication() error = %v", err)
	}
	if app.AppID != "app-2" {
		t.Errorf("AppID = %q", app.AppID)
	}
}

func TestEnsureGroupPayload(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"value": []}`)
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatal(err)
			}
			gotBody = string(body)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": "grp-1", "displayName": "demo-rw"}`)
		}
	})

	group, err := c.EnsureGroup(context.Background(), "demo-rw", "Read-write access")
	if err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	if group.ObjectID != "grp-1" || group.Name != "demo-rw" {
		t.Errorf("group = %+v", group)
	}
	for _, want := range []string{`"securityEnabled":true`, `"mailEnabled":false`, `"mailNickname":"demo-rw"`} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("group payload %q missing %q", gotBody, want)
		}
	}
}

func TestAddGroupMemberAlreadyMember(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "One or more added object references already exist for the following modified properties: 'members'."}}`)
	})

	if err := c.AddGroupMember(context.Background(), "grp-1", "sp-1"); err != nil {
		t.Errorf("AddGroupMember() error = %v, want already-member swallowed", err)
	}
}

func TestCreateApplicationSecret(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/applications/obj-1/addPassword" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"secretText": "s3cr3t-value"}`)
	})

	secret, err := c.CreateApplicationSecret(context.Background(), "obj-1", "demo")
	if err != nil {
		t.Fatalf("CreateApplicationSecret() error = %v", err)
	}
	if secret != "s3cr3t-value" {
		t.Errorf("secret = %q", secret)
	}
}

func TestDeleteGroupAbsent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": []}`)
	})

	err := c.DeleteGroup(context.Background(), "absent")
	if !provision.IsNotFound(err) {
		t.Errorf("DeleteGroup() error = %v, want not-found class", err)
	}
}

func TestDeleteServicePrincipal(t *testing.T) {
	var deleted string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"value": [{"id": "sp-obj-1", "appId": "app-1"}]}`)
		case http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	})

	if err := c.DeleteServicePrincipal(context.Background(), "app-1"); err != nil {
		t.Fatalf("DeleteServicePrincipal() error = %v", err)
	}
	if deleted != "/servicePrincipals/sp-obj-1" {
		t.Errorf("deleted path = %q", deleted)
	}
}

func TestEscapeODataLiteral(t *testing.T) {
	if got := escapeODataLiteral("o'brien"); got != "o''brien" {
		t.Errorf("escapeODataLiteral() = %q", got)
	}
}

func TestMailNickname(t *testing.T) {
	tests := []struct{ in, want string }{
		{"demo-rw", "demo-rw"},
		{"demo source rw", "demosourcerw"},
		{"!!!", "group"},
	}
	for _, tt := range tests {
		if got := mailNickname(tt.in); got != tt.want {
			t.Errorf("mailNickname(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
