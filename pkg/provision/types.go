package provision

import "time"

// Status values for a lifecycle record.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// DatasourceRequest is the user-facing input for provisioning a datasource.
// Immutable once accepted.
type DatasourceRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// DatasourceResources is the materialized set of remote identifiers and
// secrets produced by provisioning. Absent values are empty strings, never
// null, so partially provisioned records stay resumable.
type DatasourceResources struct {
	ContainerURL                    string    `json:"container_url"`
	ManagedIdentityID               string    `json:"managed_identity_id"`
	StorageCredentialName           string    `json:"storage_credential_name"`
	ExternalLocationName            string    `json:"external_location_name"`
	CatalogName                     string    `json:"catalog_name"`
	GroupName                       string    `json:"group_name"`
	ServicePrincipalAppID           string    `json:"service_principal_app_id"`
	ServicePrincipalClientSecret    string    `json:"service_principal_client_secret"`
	DatabricksOAuthClientSecret     string    `json:"databricks_oauth_client_secret"`
	SnowflakeExternalVolumeName     string    `json:"snowflake_external_volume_name"`
	SnowflakeCatalogIntegrationName string    `json:"snowflake_catalog_integration_name"`
	SnowflakeDatabaseName           string    `json:"snowflake_database_name"`
	CreatedAt                       time.Time `json:"created_at"`
}

// DatasourceRecord is the persisted unit of state for one datasource: its
// request, its last-known resources, and the outcome of the last attempt.
type DatasourceRecord struct {
	Request   DatasourceRequest   `json:"request"`
	Resources DatasourceResources `json:"resources"`
	Status    string              `json:"status"`
	LastError string              `json:"last_error,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// NewRecord builds a record for a fresh provisioning attempt.
func NewRecord(request DatasourceRequest, resources DatasourceResources) *DatasourceRecord {
	return &DatasourceRecord{
		Request:   request,
		Resources: resources,
		Status:    StatusSucceeded,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// MarkSucceeded records a successful attempt.
func (r *DatasourceRecord) MarkSucceeded() {
	r.Status = StatusSucceeded
	r.LastError = ""
	r.UpdatedAt = time.Now().UTC().Truncate(time.Second)
}

// MarkFailed records a failed attempt and its error text.
func (r *DatasourceRecord) MarkFailed(err error) {
	r.Status = StatusFailed
	if err != nil {
		r.LastError = err.Error()
	}
	r.UpdatedAt = time.Now().UTC().Truncate(time.Second)
}

// DeletionOutcome is the aggregate result of one subsystem's teardown.
type DeletionOutcome struct {
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message,omitempty"`
}

// DatasourceDeletionResult aggregates per-subsystem teardown outcomes plus
// bookkeeping about the state record.
type DatasourceDeletionResult struct {
	InputName       string          `json:"input_name"`
	NormalizedName  string          `json:"normalized_name"`
	StateRecordName string          `json:"state_record_name,omitempty"`
	StateFound      bool            `json:"state_found"`
	StateDeleted    bool            `json:"state_deleted"`
	Warehouse       DeletionOutcome `json:"warehouse"`
	Governance      DeletionOutcome `json:"governance"`
	Directory       DeletionOutcome `json:"directory"`
	Storage         DeletionOutcome `json:"storage"`
}

// FullyCleaned reports whether every subsystem teardown succeeded.
func (r DatasourceDeletionResult) FullyCleaned() bool {
	return r.Warehouse.Succeeded && r.Governance.Succeeded &&
		r.Directory.Succeeded && r.Storage.Succeeded
}
