package provision

import "context"

// RecordStore is the durable keyed storage the orchestrator persists
// lifecycle records into. Get returns an error wrapping ErrRecordNotFound
// when no record exists. Delete reports whether a record was removed.
type RecordStore interface {
	Get(ctx context.Context, name string) (*DatasourceRecord, error)
	Save(ctx context.Context, name string, record *DatasourceRecord) error
	Delete(ctx context.Context, name string) (bool, error)
	Exists(ctx context.Context, name string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Container identifies a provisioned storage container.
type Container struct {
	Name string
	URL  string
}

// ManagedIdentity identifies a provisioned user-assigned managed identity.
type ManagedIdentity struct {
	Name        string
	ResourceID  string
	ClientID    string
	PrincipalID string
}

// StorageProvisioner covers the cloud storage subsystem: containers,
// managed identities, role assignments, and the governance access
// connector. Every Ensure call is safe to repeat.
type StorageProvisioner interface {
	EnsureContainer(ctx context.Context, name string, tags map[string]string) (Container, error)
	EnsureIdentity(ctx context.Context, name string, tags map[string]string) (ManagedIdentity, error)

	// GrantStorageAccess assigns the blob data contributor role to the
	// principal at the container's scope.
	GrantStorageAccess(ctx context.Context, containerName, principalID string) error

	AttachIdentityToConnector(ctx context.Context, identityResourceID string) error
	DetachIdentityFromConnector(ctx context.Context, identityResourceID string) error

	// GetIdentity looks a managed identity up without creating it. Used by
	// teardown to recover the identity's client ID.
	GetIdentity(ctx context.Context, name string) (ManagedIdentity, bool, error)

	// RemoveRoleAssignments removes the role assignments granted at the
	// container's scope during provisioning.
	RemoveRoleAssignments(ctx context.Context, containerName string) error
	DeleteIdentity(ctx context.Context, name string) error
	DeleteContainer(ctx context.Context, name string) error
}

// Application identifies a directory application registration.
type Application struct {
	ObjectID    string
	AppID       string
	DisplayName string
}

// ServicePrincipal identifies the directory service principal backing an
// application.
type ServicePrincipal struct {
	ObjectID    string
	AppID       string
	DisplayName string
}

// DirectoryGroup identifies a directory security group.
type DirectoryGroup struct {
	ObjectID string
	Name     string
}

// DirectoryProvisioner covers the identity/directory subsystem:
// applications, service principals, security groups, and application
// secrets.
type DirectoryProvisioner interface {
	EnsureApplication(ctx context.Context, name string) (Application, error)
	EnsureServicePrincipal(ctx context.Context, appID string) (ServicePrincipal, error)
	EnsureGroup(ctx context.Context, name, description string) (DirectoryGroup, error)
	AddGroupMember(ctx context.Context, groupID, memberObjectID string) error

	// CreateApplicationSecret mints a new client secret. Not idempotent
	// remotely, so callers reuse cached values instead of repeating it.
	CreateApplicationSecret(ctx context.Context, applicationObjectID, secretName string) (string, error)

	// FindApplication looks an application up by display name without
	// creating it. Used to reconstruct inferred records.
	FindApplication(ctx context.Context, name string) (Application, bool, error)

	DeleteGroup(ctx context.Context, name string) error
	DeleteServicePrincipal(ctx context.Context, appID string) error
	DeleteApplication(ctx context.Context, name string) error
}

// AccountPrincipal identifies a service principal registered at the
// governance account level. InternalID is the account-scoped numeric
// identifier used for secret minting and group membership.
type AccountPrincipal struct {
	InternalID  string
	AppID       string
	DisplayName string
}

// GovernanceGroup identifies an account-level governance group.
type GovernanceGroup struct {
	InternalID string
	Name       string
}

// GovernanceGroupPair is the read-write and read-only group pair created
// for every datasource.
type GovernanceGroupPair struct {
	ReadWrite GovernanceGroup
	ReadOnly  GovernanceGroup
}

// GovernanceProvisioner covers the lakehouse governance subsystem:
// account principals and groups, storage credentials, external locations,
// catalogs, and grants.
type GovernanceProvisioner interface {
	EnsureAccountServicePrincipal(ctx context.Context, appID, displayName string) (AccountPrincipal, error)
	EnsureGroups(ctx context.Context, base string) (GovernanceGroupPair, error)
	AddPrincipalToGroup(ctx context.Context, groupInternalID, principalInternalID string) error
	RemovePrincipalFromGroup(ctx context.Context, groupInternalID, principalInternalID string) error

	// CreateServicePrincipalSecret mints an OAuth secret for an account
	// principal. Fails if a secret with the same name already exists, so
	// callers reuse cached values instead of repeating it.
	CreateServicePrincipalSecret(ctx context.Context, principalInternalID, secretName string) (string, error)

	EnsureStorageCredential(ctx context.Context, name, accessConnectorID string) error
	EnsureExternalLocation(ctx context.Context, name, url, credentialName string) error
	EnsureCatalog(ctx context.Context, name, storageRoot string) error
	GrantCatalogPrivileges(ctx context.Context, catalog, principal string, privileges []string) error

	ListSchemas(ctx context.Context, catalog string) ([]string, error)
	ListTables(ctx context.Context, catalog, schema string) ([]string, error)

	DeleteTable(ctx context.Context, fullName string) error
	DeleteSchema(ctx context.Context, fullName string) error
	DeleteCatalog(ctx context.Context, name string) error
	DeleteExternalLocation(ctx context.Context, name string) error
	DeleteStorageCredential(ctx context.Context, name string) error
	DeleteGroup(ctx context.Context, name string) error
	DeleteServicePrincipal(ctx context.Context, appID string) error

	// FindServicePrincipal resolves an account principal by application ID
	// without creating it.
	FindServicePrincipal(ctx context.Context, appID string) (AccountPrincipal, bool, error)
}

// ExternalVolumeSpec describes a warehouse external volume pointing at a
// storage container.
type ExternalVolumeSpec struct {
	Name           string
	StorageBaseURL string
	TenantID       string
}

// CatalogIntegrationSpec describes a warehouse catalog integration backed
// by an OAuth client-credential flow against a REST catalog endpoint.
type CatalogIntegrationSpec struct {
	Name          string
	CatalogSource string
	TableFormat   string
	CatalogURI    string
	CatalogName   string
	ClientID      string
	ClientSecret  string
	TokenEndpoint string
	AllowedScopes []string
}

// LinkedDatabaseSpec describes a catalog-linked warehouse database bound
// to an external volume and catalog integration.
type LinkedDatabaseSpec struct {
	Name               string
	CatalogIntegration string
	ExternalVolume     string
	NamespaceMode      string
	NamespaceDelimiter string
	AllowedNamespaces  []string
}

// WarehouseDropSummary reports which warehouse objects a teardown removed.
type WarehouseDropSummary struct {
	DatabaseDropped    bool
	IntegrationDropped bool
	VolumeDropped      bool
}

// WarehouseProvisioner covers the data warehouse subsystem: external
// volumes, catalog integrations, and catalog-linked databases.
type WarehouseProvisioner interface {
	EnsureExternalVolume(ctx context.Context, spec ExternalVolumeSpec) error

	// EnsureCatalogIntegration returns an in-use classified error when the
	// integration cannot be replaced because a database still links it.
	EnsureCatalogIntegration(ctx context.Context, spec CatalogIntegrationSpec) error

	// EnsureLinkedDatabase returns an auth classified error when the
	// integration's OAuth credentials are rejected.
	EnsureLinkedDatabase(ctx context.Context, spec LinkedDatabaseSpec) error

	// PrimeLinkedDatabase seeds a starter schema, table and row. Cosmetic;
	// callers log failures without failing the operation.
	PrimeLinkedDatabase(ctx context.Context, database string) error

	DropDatasourceObjects(ctx context.Context, database, integration, volume string) (WarehouseDropSummary, error)
}
