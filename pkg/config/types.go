// Package config loads and validates the lakeforge configuration from YAML.
package config

import (
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// AzureConfig holds the Azure subscription and storage settings for the
// storage subsystem.
type AzureConfig struct {
	SubscriptionID        string `yaml:"subscription_id" validate:"required"`
	TenantID              string `yaml:"tenant_id" validate:"required"`
	ClientID              string `yaml:"client_id" validate:"required"`
	ClientSecret          string `yaml:"client_secret" validate:"required"`
	ResourceGroup         string `yaml:"resource_group" validate:"required"`
	StorageAccount        string `yaml:"storage_account" validate:"required"`
	Location              string `yaml:"location" validate:"required"`
	IdentityResourceGroup string `yaml:"identity_resource_group" validate:"required"`

	// DataPlaneDNSSuffix is the DNS suffix for ADLS Gen2 endpoints.
	DataPlaneDNSSuffix string `yaml:"data_plane_dns_suffix"`
}

// IdentityConfig holds the Microsoft Graph settings for the directory
// subsystem.
type IdentityConfig struct {
	GraphURL     string   `yaml:"graph_url"`
	TenantID     string   `yaml:"tenant_id" validate:"required"`
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" validate:"required"`
	AppRoles     []string `yaml:"app_roles"`
}

// DatabricksConfig holds the workspace- and account-level settings for the
// governance subsystem.
type DatabricksConfig struct {
	AccountID    string `yaml:"account_id" validate:"required"`
	WorkspaceURL string `yaml:"workspace_url" validate:"required,url"`
	AccountURL   string `yaml:"account_url" validate:"required,url"`
	MetastoreID  string `yaml:"metastore_id" validate:"required"`
	StorageRoot  string `yaml:"storage_root" validate:"required"`

	// AccessConnectorID is the ARM resource ID of the access connector that
	// Unity Catalog storage credentials authenticate through.
	AccessConnectorID string `yaml:"access_connector_id" validate:"required"`

	WorkspaceClientID     string   `yaml:"workspace_client_id" validate:"required"`
	WorkspaceClientSecret string   `yaml:"workspace_client_secret" validate:"required"`
	WorkspaceOAuthScopes  []string `yaml:"workspace_oauth_scopes"`

	AccountClientID     string   `yaml:"account_client_id" validate:"required"`
	AccountClientSecret string   `yaml:"account_client_secret" validate:"required"`
	AccountOAuthScopes  []string `yaml:"account_oauth_scopes"`
}

// SnowflakeConfig holds the warehouse subsystem connection settings.
type SnowflakeConfig struct {
	Account   string `yaml:"account" validate:"required"`
	User      string `yaml:"user" validate:"required"`
	Password  string `yaml:"password" validate:"required"`
	Role      string `yaml:"role"`
	Warehouse string `yaml:"warehouse"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`

	// CatalogSource and TableFormat configure catalog integrations.
	CatalogSource string `yaml:"catalog_source"`
	TableFormat   string `yaml:"table_format"`

	// NamespaceMode and NamespaceDelimiter configure how catalog-linked
	// databases flatten nested namespaces.
	NamespaceMode      string `yaml:"namespace_mode"`
	NamespaceDelimiter string `yaml:"namespace_delimiter"`
}

// StateConfig configures the lifecycle state store.
type StateConfig struct {
	// Path is the sqlite database file holding lifecycle records.
	Path string `yaml:"path"`
}

// NamingConfig configures the global naming policy.
type NamingConfig struct {
	Prefix    string `yaml:"prefix"`
	Separator string `yaml:"separator"`
}

// Config is the root lakeforge configuration.
type Config struct {
	Azure      AzureConfig      `yaml:"azure" validate:"required"`
	Identity   IdentityConfig   `yaml:"identity" validate:"required"`
	Databricks DatabricksConfig `yaml:"databricks" validate:"required"`
	Snowflake  SnowflakeConfig  `yaml:"snowflake" validate:"required"`
	State      StateConfig      `yaml:"state"`
	Naming     NamingConfig     `yaml:"naming"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}
