package databricks

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

func TestEnsureCatalogExistingIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/2.1/unity-catalog/catalogs") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ws-token" {
			t.Errorf("Authorization = %q, want workspace bearer token", got)
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiError{ErrorCode: "CATALOG_ALREADY_EXISTS", Message: "catalog exists"})
	}))

	err := client.EnsureCatalog(context.Background(), "demo-source", "abfss://root@acmedata.dfs.core.windows.net/")
	if err != nil {
		t.Fatalf("EnsureCatalog with existing catalog: %v", err)
	}
}

func TestEnsureCatalogSendsStorageRoot(t *testing.T) {
	var body map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.EnsureCatalog(context.Background(), "demo-source", "abfss://root@acme/"); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	if body["name"] != "demo-source" || body["storage_root"] != "abfss://root@acme/" {
		t.Errorf("create body = %v", body)
	}
}

func TestEnsureStorageCredentialSendsConnectorID(t *testing.T) {
	var body map[string]interface{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/credentials") {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))

	connector := "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Databricks/accessConnectors/ac"
	if err := client.EnsureStorageCredential(context.Background(), "demo-source", connector); err != nil {
		t.Fatalf("EnsureStorageCredential: %v", err)
	}
	identity, ok := body["azure_managed_identity"].(map[string]interface{})
	if !ok || identity["access_connector_id"] != connector {
		t.Errorf("body = %v, want azure_managed_identity.access_connector_id", body)
	}
}

func TestEnsureExternalLocationExistingIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(apiError{ErrorCode: "EXTERNAL_LOCATION_ALREADY_EXISTS"})
	}))

	err := client.EnsureExternalLocation(context.Background(), "demo-source",
		"abfss://demo-source@acmedata.dfs.core.windows.net/", "demo-source")
	if err != nil {
		t.Fatalf("EnsureExternalLocation with existing location: %v", err)
	}
}

func TestGrantCatalogPrivilegesSkipsRejectedValues(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiError{
			ErrorCode: "INVALID_PARAMETER_VALUE",
			Message:   "privilege EXTERNAL_USE_SCHEMA is not supported",
		})
	}))

	err := client.GrantCatalogPrivileges(context.Background(), "demo-source", "app-1",
		[]string{"ALL_PRIVILEGES", "EXTERNAL_USE_SCHEMA"})
	if err != nil {
		t.Fatalf("GrantCatalogPrivileges with rejected privilege: %v", err)
	}
}

func TestGrantCatalogPrivilegesPayload(t *testing.T) {
	var body map[string][]map[string]interface{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/permissions/catalog/demo-source") {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.GrantCatalogPrivileges(context.Background(), "demo-source", "app-1",
		[]string{"ALL_PRIVILEGES"}); err != nil {
		t.Fatalf("GrantCatalogPrivileges: %v", err)
	}
	changes := body["changes"]
	if len(changes) != 1 || changes[0]["principal"] != "app-1" {
		t.Fatalf("changes = %v", changes)
	}
}

func TestListSchemasFollowsPagination(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("catalog_name"); got != "demo-source" {
			t.Errorf("catalog_name = %q", got)
		}
		if r.URL.Query().Get("page_token") == "" {
			json.NewEncoder(w).Encode(schemaListResponse{
				Schemas:       []namedObject{{Name: "default"}, {Name: "staging"}},
				NextPageToken: "page-2",
			})
			return
		}
		json.NewEncoder(w).Encode(schemaListResponse{Schemas: []namedObject{{Name: "archive"}}})
	}))

	schemas, err := client.ListSchemas(context.Background(), "demo-source")
	if err != nil {
		t.Fatalf("ListSchemas: %v", err)
	}
	want := []string{"default", "staging", "archive"}
	if !reflect.DeepEqual(schemas, want) {
		t.Errorf("schemas = %v, want %v", schemas, want)
	}
}

func TestListTablesScopesToSchema(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("schema_name"); got != "staging" {
			t.Errorf("schema_name = %q", got)
		}
		json.NewEncoder(w).Encode(tableListResponse{Tables: []namedObject{{Name: "orders"}}})
	}))

	tables, err := client.ListTables(context.Background(), "demo-source", "staging")
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 1 || tables[0] != "orders" {
		t.Errorf("tables = %v, want [orders]", tables)
	}
}

func TestDeleteCatalogAbsentIsNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(apiError{ErrorCode: "CATALOG_DOES_NOT_EXIST", Message: "no such catalog"})
	}))

	err := client.DeleteCatalog(context.Background(), "demo-source")
	if !provision.IsNotFound(err) {
		t.Fatalf("DeleteCatalog absent = %v, want not-found class", err)
	}
}

func TestDeleteTableUsesThreePartName(t *testing.T) {
	path := ""
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.DeleteTable(context.Background(), "demo-source.staging.orders"); err != nil {
		t.Fatalf("DeleteTable: %v", err)
	}
	if !strings.HasSuffix(path, "/tables/demo-source.staging.orders") {
		t.Errorf("path = %q", path)
	}
}

func TestClassifyTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   provision.ErrorClass
	}{
		{"success", 200, "", ""},
		{"conflict code", 400, `{"error_code":"STORAGE_CREDENTIAL_ALREADY_EXISTS"}`, provision.ErrClassConflict},
		{"conflict status", 409, "{}", provision.ErrClassConflict},
		{"not found code", 400, `{"error_code":"SCHEMA_DOES_NOT_EXIST"}`, provision.ErrClassNotFound},
		{"plain 404", 404, "{}", provision.ErrClassNotFound},
		{"identity propagation", 404, `{"error_code":"NOT_FOUND_EXCEPTION","message":"AADSTS700016: Application was not found in the directory"}`, provision.ErrClassPropagation},
		{"permission propagation", 403, `{"message":"the managed identity does not have access yet"}`, provision.ErrClassPropagation},
		{"auth rejection", 401, `{"message":"invalid token"}`, provision.ErrClassAuth},
		{"throttled", 429, "{}", provision.ErrClassTransient},
		{"server error", 503, "{}", provision.ErrClassTransient},
		{"bad request", 400, `{"error_code":"MALFORMED_REQUEST"}`, provision.ErrClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.status, []byte(tt.body))
			if tt.want == "" {
				if err != nil {
					t.Fatalf("classify = %v, want nil", err)
				}
				return
			}
			if got := provision.ClassOf(err); got != tt.want {
				t.Errorf("class = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSummarizeTruncatesLongBodies(t *testing.T) {
	long := strings.Repeat("x", 2000)
	got := summarize(long)
	if len(got) != 512+len("...") {
		t.Errorf("summarize length = %d", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("summarize = %q, want trailing ellipsis", got[len(got)-8:])
	}
	if summarize("  short  ") != "short" {
		t.Error("summarize should trim whitespace")
	}
}
