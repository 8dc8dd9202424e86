package provision

import (
	"context"
	"strings"
	"testing"
)

func TestDeleteFullCleanup(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, DatasourceRequest{Name: "demo"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result := h.orch.Delete(ctx, "demo")
	if !result.FullyCleaned() {
		t.Fatalf("FullyCleaned() = false: %+v", result)
	}
	if !result.StateFound {
		t.Error("StateFound = false for a provisioned datasource")
	}
	if !result.StateDeleted {
		t.Error("StateDeleted = false after full cleanup")
	}

	exists, err := h.store.Exists(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("state record still present after full cleanup")
	}
}

func TestDeletePartialFailureKeepsState(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, DatasourceRequest{Name: "demo"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	h.warehouse.errs["DropDatasourceObjects"] = []error{
		NewPermanentError("warehouse unavailable", nil),
	}

	result := h.orch.Delete(ctx, "demo")
	if result.Warehouse.Succeeded {
		t.Error("Warehouse.Succeeded = true despite drop failure")
	}
	if !result.Governance.Succeeded || !result.Directory.Succeeded || !result.Storage.Succeeded {
		t.Errorf("other subsystems failed: %+v", result)
	}
	if !result.StateFound {
		t.Error("StateFound = false")
	}
	if result.StateDeleted {
		t.Error("StateDeleted = true despite partial failure")
	}

	exists, err := h.store.Exists(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("state record removed despite partial failure")
	}
}

func TestDeleteInfersRecordFromConventions(t *testing.T) {
	h := newHarness()
	h.directory.applications["demo"] = Application{ObjectID: "app-obj", AppID: "recovered-app-id"}

	result := h.orch.Delete(context.Background(), "demo")
	if result.StateFound {
		t.Error("StateFound = true with no stored record")
	}
	if !result.FullyCleaned() {
		t.Errorf("FullyCleaned() = false: %+v", result)
	}
	if result.NormalizedName != "demo" {
		t.Errorf("NormalizedName = %q", result.NormalizedName)
	}

	// Inferred identifiers follow the naming conventions.
	if got := h.warehouse.droppedDBs; len(got) != 1 || got[0] != "demo_linked_db" {
		t.Errorf("dropped databases = %v, want [demo_linked_db]", got)
	}
	if h.storage.count("DeleteContainer") != 1 {
		t.Error("container teardown not attempted for inferred record")
	}
	// The recovered application's service principal is removed.
	if h.directory.count("DeleteServicePrincipal") != 1 {
		t.Error("service principal teardown not attempted after application lookup")
	}
}

func TestDeleteResolvesRecordByNormalizedScan(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// A record persisted under its display name, as older runs stored it.
	record := &DatasourceRecord{
		Request: DatasourceRequest{Name: "Demo Source"},
		Resources: DatasourceResources{
			SnowflakeDatabaseName: "legacy_linked_db",
		},
	}
	if err := h.store.Save(ctx, "Demo Source", record); err != nil {
		t.Fatal(err)
	}

	result := h.orch.Delete(ctx, "demo-source")
	if !result.StateFound {
		t.Fatal("StateFound = false for a record stored under the display name")
	}
	if result.StateRecordName != "Demo Source" {
		t.Errorf("StateRecordName = %q, want %q", result.StateRecordName, "Demo Source")
	}
	if got := h.warehouse.droppedDBs; len(got) != 1 || got[0] != "legacy_linked_db" {
		t.Errorf("dropped databases = %v, want [legacy_linked_db]", got)
	}

	exists, err := h.store.Exists(ctx, "Demo Source")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("legacy record still present after full cleanup")
	}
}

func TestDeleteNotFoundIsSuccess(t *testing.T) {
	h := newHarness()
	h.storage.errs["DeleteContainer"] = []error{
		NewNotFoundError("container does not exist", nil),
	}
	h.governance.errs["DeleteCatalog"] = []error{
		NewNotFoundError("catalog does not exist", nil),
	}

	result := h.orch.Delete(context.Background(), "demo")
	if !result.Storage.Succeeded {
		t.Error("Storage.Succeeded = false for not-found container")
	}
	if !result.Governance.Succeeded {
		t.Error("Governance.Succeeded = false for not-found catalog")
	}
	if !strings.Contains(result.Storage.Message, "not found") {
		t.Errorf("Storage.Message = %q, want a not-found note", result.Storage.Message)
	}
}

func TestDeleteKeepsAttemptingAfterStepFailure(t *testing.T) {
	h := newHarness()
	h.storage.errs["RemoveRoleAssignments"] = []error{
		NewPermanentError("role assignment listing failed", nil),
	}

	result := h.orch.Delete(context.Background(), "demo")
	if result.Storage.Succeeded {
		t.Error("Storage.Succeeded = true despite role assignment failure")
	}
	// Later storage steps still ran.
	if h.storage.count("DeleteIdentity") != 1 {
		t.Error("DeleteIdentity skipped after earlier step failed")
	}
	if h.storage.count("DeleteContainer") != 1 {
		t.Error("DeleteContainer skipped after earlier step failed")
	}
	if !strings.Contains(result.Storage.Message, "failed") {
		t.Errorf("Storage.Message = %q, want failure note", result.Storage.Message)
	}
	if !strings.Contains(result.Storage.Message, "container: ok") {
		t.Errorf("Storage.Message = %q, want later success notes", result.Storage.Message)
	}
}

func TestDeleteEmptiesCatalogBeforeDrop(t *testing.T) {
	h := newHarness()
	h.governance.schemas = map[string][]string{
		"demo": {"information_schema", "raw"},
	}
	h.governance.tables = map[string][]string{
		"demo.raw": {"events", "users"},
	}

	result := h.orch.Delete(context.Background(), "demo")
	if !result.Governance.Succeeded {
		t.Fatalf("Governance outcome: %+v", result.Governance)
	}
	if got := h.governance.count("DeleteTable"); got != 2 {
		t.Errorf("DeleteTable called %d times, want 2", got)
	}
	if got := h.governance.count("DeleteSchema"); got != 1 {
		t.Errorf("DeleteSchema called %d times, want 1 (information_schema skipped)", got)
	}
}

func TestDeleteRemovesMirroredIdentityPrincipal(t *testing.T) {
	h := newHarness()

	result := h.orch.Delete(context.Background(), "demo")
	if !result.Governance.Succeeded {
		t.Fatalf("Governance outcome: %+v", result.Governance)
	}
	// One governance principal delete for the mirrored managed identity;
	// the application principal is skipped because no app id is known.
	if got := h.governance.count("DeleteServicePrincipal"); got != 1 {
		t.Errorf("governance DeleteServicePrincipal called %d times, want 1", got)
	}
}

func TestDeleteGroupNames(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.orch.Create(ctx, DatasourceRequest{Name: "demo"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result := h.orch.Delete(ctx, "demo")
	if !result.Governance.Succeeded {
		t.Fatalf("Governance outcome: %+v", result.Governance)
	}
	// Both governance groups are removed: demo-rw and the derived demo-ro.
	if got := h.governance.count("DeleteGroup"); got != 2 {
		t.Errorf("governance DeleteGroup called %d times, want 2", got)
	}
}
