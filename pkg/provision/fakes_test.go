package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/lakeforge/lakeforge/pkg/naming"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// memoryStore is an in-memory RecordStore for orchestrator tests.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*DatasourceRecord
	saveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*DatasourceRecord)}
}

func (s *memoryStore) Get(_ context.Context, name string) (*DatasourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	clone := *rec
	return &clone, nil
}

func (s *memoryStore) Save(_ context.Context, name string, record *DatasourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	clone := *record
	s.records[name] = &clone
	return nil
}

func (s *memoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[name]
	delete(s.records, name)
	return ok, nil
}

func (s *memoryStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[name]
	return ok, nil
}

func (s *memoryStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	return names, nil
}

// callCounter tracks invocations per operation name.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callCounter) inc(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[op]++
}

func (c *callCounter) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *callCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// fakeStorage implements StorageProvisioner. Errors are injected per
// operation name and consumed in order.
type fakeStorage struct {
	callCounter
	errs map[string][]error
}

func takeErr(errs map[string][]error, op string) error {
	queue := errs[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	errs[op] = queue[1:]
	return err
}

func (f *fakeStorage) EnsureContainer(_ context.Context, name string, _ map[string]string) (Container, error) {
	f.inc("EnsureContainer")
	if err := takeErr(f.errs, "EnsureContainer"); err != nil {
		return Container{}, err
	}
	return Container{Name: name, URL: "abfss://" + name + "@acmedata.dfs.core.windows.net/"}, nil
}

func (f *fakeStorage) EnsureIdentity(_ context.Context, name string, _ map[string]string) (ManagedIdentity, error) {
	f.inc("EnsureIdentity")
	if err := takeErr(f.errs, "EnsureIdentity"); err != nil {
		return ManagedIdentity{}, err
	}
	return ManagedIdentity{
		Name:        name,
		ResourceID:  "/subscriptions/sub/resourceGroups/rg-identities/providers/Microsoft.ManagedIdentity/userAssignedIdentities/" + name,
		ClientID:    "mi-client-" + name,
		PrincipalID: "mi-principal-" + name,
	}, nil
}

func (f *fakeStorage) GrantStorageAccess(_ context.Context, _, _ string) error {
	f.inc("GrantStorageAccess")
	return takeErr(f.errs, "GrantStorageAccess")
}

func (f *fakeStorage) AttachIdentityToConnector(_ context.Context, _ string) error {
	f.inc("AttachIdentityToConnector")
	return takeErr(f.errs, "AttachIdentityToConnector")
}

func (f *fakeStorage) DetachIdentityFromConnector(_ context.Context, _ string) error {
	f.inc("DetachIdentityFromConnector")
	return takeErr(f.errs, "DetachIdentityFromConnector")
}

func (f *fakeStorage) GetIdentity(_ context.Context, name string) (ManagedIdentity, bool, error) {
	f.inc("GetIdentity")
	if err := takeErr(f.errs, "GetIdentity"); err != nil {
		return ManagedIdentity{}, false, err
	}
	return ManagedIdentity{Name: name, ClientID: "mi-client-" + name}, true, nil
}

func (f *fakeStorage) RemoveRoleAssignments(_ context.Context, _ string) error {
	f.inc("RemoveRoleAssignments")
	return takeErr(f.errs, "RemoveRoleAssignments")
}

func (f *fakeStorage) DeleteIdentity(_ context.Context, _ string) error {
	f.inc("DeleteIdentity")
	return takeErr(f.errs, "DeleteIdentity")
}

func (f *fakeStorage) DeleteContainer(_ context.Context, _ string) error {
	f.inc("DeleteContainer")
	return takeErr(f.errs, "DeleteContainer")
}

// fakeDirectory implements DirectoryProvisioner.
type fakeDirectory struct {
	callCounter
	errs         map[string][]error
	applications map[string]Application
}

func (f *fakeDirectory) EnsureApplication(_ context.Context, name string) (Application, error) {
	f.inc("EnsureApplication")
	if err := takeErr(f.errs, "EnsureApplication"); err != nil {
		return Application{}, err
	}
	return Application{ObjectID: "app-obj-" + name, AppID: "app-id-" + name, DisplayName: name}, nil
}

func (f *fakeDirectory) EnsureServicePrincipal(_ context.Context, appID string) (ServicePrincipal, error) {
	f.inc("EnsureServicePrincipal")
	if err := takeErr(f.errs, "EnsureServicePrincipal"); err != nil {
		return ServicePrincipal{}, err
	}
	return ServicePrincipal{ObjectID: "sp-obj-" + appID, AppID: appID}, nil
}

func (f *fakeDirectory) EnsureGroup(_ context.Context, name, _ string) (DirectoryGroup, error) {
	f.inc("EnsureGroup")
	if err := takeErr(f.errs, "EnsureGroup"); err != nil {
		return DirectoryGroup{}, err
	}
	return DirectoryGroup{ObjectID: "grp-obj-" + name, Name: name}, nil
}

func (f *fakeDirectory) AddGroupMember(_ context.Context, _, _ string) error {
	f.inc("AddGroupMember")
	return takeErr(f.errs, "AddGroupMember")
}

func (f *fakeDirectory) CreateApplicationSecret(_ context.Context, _, _ string) (string, error) {
	f.inc("CreateApplicationSecret")
	if err := takeErr(f.errs, "CreateApplicationSecret"); err != nil {
		return "", err
	}
	return fmt.Sprintf("dir-secret-%d", f.count("CreateApplicationSecret")), nil
}

func (f *fakeDirectory) FindApplication(_ context.Context, name string) (Application, bool, error) {
	f.inc("FindApplication")
	if err := takeErr(f.errs, "FindApplication"); err != nil {
		return Application{}, false, err
	}
	app, ok := f.applications[name]
	return app, ok, nil
}

func (f *fakeDirectory) DeleteGroup(_ context.Context, _ string) error {
	f.inc("DeleteGroup")
	return takeErr(f.errs, "DeleteGroup")
}

func (f *fakeDirectory) DeleteServicePrincipal(_ context.Context, _ string) error {
	f.inc("DeleteServicePrincipal")
	return takeErr(f.errs, "DeleteServicePrincipal")
}

func (f *fakeDirectory) DeleteApplication(_ context.Context, _ string) error {
	f.inc("DeleteApplication")
	return takeErr(f.errs, "DeleteApplication")
}

// fakeGovernance implements GovernanceProvisioner.
type fakeGovernance struct {
	callCounter
	errs    map[string][]error
	schemas map[string][]string
	tables  map[string][]string
}

func (f *fakeGovernance) EnsureAccountServicePrincipal(_ context.Context, appID, name string) (AccountPrincipal, error) {
	f.inc("EnsureAccountServicePrincipal")
	if err := takeErr(f.errs, "EnsureAccountServicePrincipal"); err != nil {
		return AccountPrincipal{}, err
	}
	return AccountPrincipal{InternalID: "acct-" + appID, AppID: appID, DisplayName: name}, nil
}

func (f *fakeGovernance) EnsureGroups(_ context.Context, base string) (GovernanceGroupPair, error) {
	f.inc("EnsureGroups")
	if err := takeErr(f.errs, "EnsureGroups"); err != nil {
		return GovernanceGroupPair{}, err
	}
	return GovernanceGroupPair{
		ReadWrite: GovernanceGroup{InternalID: "grw", Name: base + "-rw"},
		ReadOnly:  GovernanceGroup{InternalID: "gro", Name: base + "-ro"},
	}, nil
}

func (f *fakeGovernance) AddPrincipalToGroup(_ context.Context, _, _ string) error {
	f.inc("AddPrincipalToGroup")
	return takeErr(f.errs, "AddPrincipalToGroup")
}

func (f *fakeGovernance) RemovePrincipalFromGroup(_ context.Context, _, _ string) error {
	f.inc("RemovePrincipalFromGroup")
	return takeErr(f.errs, "RemovePrincipalFromGroup")
}

func (f *fakeGovernance) CreateServicePrincipalSecret(_ context.Context, _, _ string) (string, error) {
	f.inc("CreateServicePrincipalSecret")
	if err := takeErr(f.errs, "CreateServicePrincipalSecret"); err != nil {
		return "", err
	}
	return fmt.Sprintf("gov-secret-%d", f.count("CreateServicePrincipalSecret")), nil
}

func (f *fakeGovernance) EnsureStorageCredential(_ context.Context, _, _ string) error {
	f.inc("EnsureStorageCredential")
	return takeErr(f.errs, "EnsureStorageCredential")
}

func (f *fakeGovernance) EnsureExternalLocation(_ context.Context, _, _, _ string) error {
	f.inc("EnsureExternalLocation")
	return takeErr(f.errs, "EnsureExternalLocation")
}

func (f *fakeGovernance) EnsureCatalog(_ context.Context, _, _ string) error {
	f.inc("EnsureCatalog")
	return takeErr(f.errs, "EnsureCatalog")
}

func (f *fakeGovernance) GrantCatalogPrivileges(_ context.Context, _, _ string, _ []string) error {
	f.inc("GrantCatalogPrivileges")
	return takeErr(f.errs, "GrantCatalogPrivileges")
}

func (f *fakeGovernance) ListSchemas(_ context.Context, catalog string) ([]string, error) {
	f.inc("ListSchemas")
	if err := takeErr(f.errs, "ListSchemas"); err != nil {
		return nil, err
	}
	return f.schemas[catalog], nil
}

func (f *fakeGovernance) ListTables(_ context.Context, catalog, schema string) ([]string, error) {
	f.inc("ListTables")
	if err := takeErr(f.errs, "ListTables"); err != nil {
		return nil, err
	}
	return f.tables[catalog+"."+schema], nil
}

func (f *fakeGovernance) DeleteTable(_ context.Context, _ string) error {
	f.inc("DeleteTable")
	return takeErr(f.errs, "DeleteTable")
}

func (f *fakeGovernance) DeleteSchema(_ context.Context, _ string) error {
	f.inc("DeleteSchema")
	return takeErr(f.errs, "DeleteSchema")
}

func (f *fakeGovernance) DeleteCatalog(_ context.Context, _ string) error {
	f.inc("DeleteCatalog")
	return takeErr(f.errs, "DeleteCatalog")
}

func (f *fakeGovernance) DeleteExternalLocation(_ context.Context, _ string) error {
	f.inc("DeleteExternalLocation")
	return takeErr(f.errs, "DeleteExternalLocation")
}

func (f *fakeGovernance) DeleteStorageCredential(_ context.Context, _ string) error {
	f.inc("DeleteStorageCredential")
	return takeErr(f.errs, "DeleteStorageCredential")
}

func (f *fakeGovernance) DeleteGroup(_ context.Context, _ string) error {
	f.inc("DeleteGroup")
	return takeErr(f.errs, "DeleteGroup")
}

func (f *fakeGovernance) DeleteServicePrincipal(_ context.Context, _ string) error {
	f.inc("DeleteServicePrincipal")
	return takeErr(f.errs, "DeleteServicePrincipal")
}

func (f *fakeGovernance) FindServicePrincipal(_ context.Context, appID string) (AccountPrincipal, bool, error) {
	f.inc("FindServicePrincipal")
	if err := takeErr(f.errs, "FindServicePrincipal"); err != nil {
		return AccountPrincipal{}, false, err
	}
	return AccountPrincipal{InternalID: "acct-" + appID, AppID: appID}, true, nil
}

// fakeWarehouse implements WarehouseProvisioner.
type fakeWarehouse struct {
	callCounter
	errs map[string][]error

	lastVolume      ExternalVolumeSpec
	lastIntegration CatalogIntegrationSpec
	lastDatabase    LinkedDatabaseSpec
	droppedDBs      []string
}

func (f *fakeWarehouse) EnsureExternalVolume(_ context.Context, spec ExternalVolumeSpec) error {
	f.inc("EnsureExternalVolume")
	f.lastVolume = spec
	return takeErr(f.errs, "EnsureExternalVolume")
}

func (f *fakeWarehouse) EnsureCatalogIntegration(_ context.Context, spec CatalogIntegrationSpec) error {
	f.inc("EnsureCatalogIntegration")
	f.lastIntegration = spec
	return takeErr(f.errs, "EnsureCatalogIntegration")
}

func (f *fakeWarehouse) EnsureLinkedDatabase(_ context.Context, spec LinkedDatabaseSpec) error {
	f.inc("EnsureLinkedDatabase")
	f.lastDatabase = spec
	return takeErr(f.errs, "EnsureLinkedDatabase")
}

func (f *fakeWarehouse) PrimeLinkedDatabase(_ context.Context, _ string) error {
	f.inc("PrimeLinkedDatabase")
	return takeErr(f.errs, "PrimeLinkedDatabase")
}

func (f *fakeWarehouse) DropDatasourceObjects(_ context.Context, database, _, _ string) (WarehouseDropSummary, error) {
	f.inc("DropDatasourceObjects")
	if err := takeErr(f.errs, "DropDatasourceObjects"); err != nil {
		return WarehouseDropSummary{}, err
	}
	f.droppedDBs = append(f.droppedDBs, database)
	return WarehouseDropSummary{DatabaseDropped: true, IntegrationDropped: true, VolumeDropped: true}, nil
}

// testHarness bundles an orchestrator with its fakes.
type testHarness struct {
	orch       *Orchestrator
	store      *memoryStore
	storage    *fakeStorage
	directory  *fakeDirectory
	governance *fakeGovernance
	warehouse  *fakeWarehouse
}

func newHarness() *testHarness {
	h := &testHarness{
		store:      newMemoryStore(),
		storage:    &fakeStorage{errs: map[string][]error{}},
		directory:  &fakeDirectory{errs: map[string][]error{}, applications: map[string]Application{}},
		governance: &fakeGovernance{errs: map[string][]error{}},
		warehouse:  &fakeWarehouse{errs: map[string][]error{}},
	}
	h.orch = NewOrchestrator(OrchestratorConfig{
		Naming: naming.Policy{
			Prefix:                "",
			Separator:             "-",
			StorageAccount:        "acmedata",
			DNSSuffix:             "dfs.core.windows.net",
			SubscriptionID:        "sub",
			IdentityResourceGroup: "rg-identities",
		},
		Store:      h.store,
		Storage:    h.storage,
		Directory:  h.directory,
		Governance: h.governance,
		Warehouse:  h.warehouse,
		Settings: Settings{
			TenantID:           "tenant",
			AccessConnectorID:  "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Databricks/accessConnectors/ac",
			StorageRoot:        "abfss://root@acmedata.dfs.core.windows.net/",
			CatalogURI:         "https://adb-1.azuredatabricks.net/api/2.1/unity-catalog/iceberg",
			OAuthTokenEndpoint: "https://adb-1.azuredatabricks.net/oidc/v1/token",
			OAuthScopes:        []string{"all-apis"},
			CatalogSource:      "ICEBERG_REST",
			TableFormat:        "ICEBERG",
			NamespaceMode:      "FLATTEN_NESTED_NAMESPACE",
			NamespaceDelimiter: "-",
		},
		Logger: telemetry.Nop(),
	})
	return h
}

func (h *testHarness) remoteCalls() int {
	return h.storage.total() + h.directory.total() + h.governance.total() + h.warehouse.total()
}
