package snowflake

import (
	"context"
	"fmt"
	"strings"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

// Starter objects created when priming a linked database.
const (
	primeSchema = "demo"
	primeTable  = "sample_data"
)

// EnsureExternalVolume creates an external volume over the datasource's
// storage container. Volume identifiers are uppercased; an existing
// volume is success.
func (c *Client) EnsureExternalVolume(ctx context.Context, spec provision.ExternalVolumeSpec) error {
	c.remoteCall("EnsureExternalVolume")

	name := strings.ToUpper(spec.Name)
	if err := validIdentifier(name); err != nil {
		return wrap(err, "EnsureExternalVolume")
	}

	exists, err := c.objectExists(ctx, "EnsureExternalVolume",
		"SHOW EXTERNAL VOLUMES LIKE "+quoteLiteral(name), name)
	if err != nil {
		return wrap(err, "EnsureExternalVolume")
	}
	if exists {
		c.logger.WithField("volume", name).Debug("external volume already exists")
		return nil
	}

	ddl := strings.Join([]string{
		"CREATE EXTERNAL VOLUME " + name,
		"  STORAGE_LOCATIONS = (",
		"    (",
		"      NAME = " + quoteLiteral(name),
		"      STORAGE_PROVIDER = 'AZURE'",
		"      STORAGE_BASE_URL = " + quoteLiteral(spec.StorageBaseURL),
		"      AZURE_TENANT_ID = " + quoteLiteral(spec.TenantID),
		"    )",
		"  )",
	}, "\n")
	if err := c.exec(ctx, "EnsureExternalVolume", ddl); err != nil && !provision.IsConflict(err) {
		return wrap(err, "EnsureExternalVolume")
	}
	c.logger.WithField("volume", name).Info("external volume created")
	return nil
}

// EnsureCatalogIntegration creates or replaces the catalog integration
// carrying the governance REST catalog endpoint and OAuth credentials.
// Replacement keeps rotated credentials current; when a linked database
// still references the integration the warehouse refuses the replace
// and an in-use classified error is returned for the caller to resolve.
func (c *Client) EnsureCatalogIntegration(ctx context.Context, spec provision.CatalogIntegrationSpec) error {
	c.remoteCall("EnsureCatalogIntegration")

	name := strings.ToUpper(spec.Name)
	if err := validIdentifier(name); err != nil {
		return wrap(err, "EnsureCatalogIntegration")
	}

	scopeLiterals := make([]string, 0, len(spec.AllowedScopes))
	for _, scope := range spec.AllowedScopes {
		scopeLiterals = append(scopeLiterals, quoteLiteral(scope))
	}

	ddl := strings.Join([]string{
		"CREATE OR REPLACE CATALOG INTEGRATION " + name,
		"  CATALOG_SOURCE = " + spec.CatalogSource,
		"  TABLE_FORMAT = " + spec.TableFormat,
		"  REST_CONFIG = (",
		"    CATALOG_URI = " + quoteLiteral(spec.CatalogURI),
		"    CATALOG_NAME = " + quoteLiteral(spec.CatalogName),
		"  )",
		"  REST_AUTHENTICATION = (",
		"    TYPE = OAUTH",
		"    OAUTH_CLIENT_ID = " + quoteLiteral(spec.ClientID),
		"    OAUTH_CLIENT_SECRET = " + quoteLiteral(spec.ClientSecret),
		"    OAUTH_ALLOWED_SCOPES = (" + strings.Join(scopeLiterals, ", ") + ")",
		"    OAUTH_TOKEN_URI = " + quoteLiteral(spec.TokenEndpoint),
		"  )",
		"  ENABLED = TRUE",
	}, "\n")
	if err := c.exec(ctx, "EnsureCatalogIntegration", ddl, spec.ClientSecret); err != nil && !provision.IsConflict(err) {
		return wrap(err, "EnsureCatalogIntegration")
	}
	c.logger.WithField("integration", name).Info("catalog integration ensured")
	return nil
}

// EnsureLinkedDatabase creates a database linked to the catalog
// integration. An existing database is success; an authentication
// rejection from the catalog endpoint surfaces as an auth classified
// error, distinct from already-exists.
func (c *Client) EnsureLinkedDatabase(ctx context.Context, spec provision.LinkedDatabaseSpec) error {
	c.remoteCall("EnsureLinkedDatabase")

	if err := validIdentifier(spec.Name); err != nil {
		return wrap(err, "EnsureLinkedDatabase")
	}
	integration := strings.ToUpper(spec.CatalogIntegration)
	volume := strings.ToUpper(spec.ExternalVolume)
	if err := validIdentifier(integration); err != nil {
		return wrap(err, "EnsureLinkedDatabase")
	}
	if err := validIdentifier(volume); err != nil {
		return wrap(err, "EnsureLinkedDatabase")
	}

	exists, err := c.objectExists(ctx, "EnsureLinkedDatabase",
		"SHOW DATABASES LIKE "+quoteLiteral(spec.Name), spec.Name)
	if err != nil {
		return wrap(err, "EnsureLinkedDatabase")
	}
	if exists {
		c.logger.WithField("database", spec.Name).Debug("linked database already exists")
		return nil
	}

	lines := []string{
		"CREATE DATABASE " + spec.Name,
		"  LINKED_CATALOG = (",
		"    CATALOG = " + integration,
		"    NAMESPACE_MODE = " + spec.NamespaceMode,
		"    NAMESPACE_FLATTEN_DELIMITER = " + quoteLiteral(spec.NamespaceDelimiter),
	}
	if len(spec.AllowedNamespaces) > 0 {
		literals := make([]string, 0, len(spec.AllowedNamespaces))
		for _, ns := range spec.AllowedNamespaces {
			literals = append(literals, quoteLiteral(ns))
		}
		lines = append(lines, "    ALLOWED_NAMESPACES = ("+strings.Join(literals, ", ")+")")
	}
	lines = append(lines,
		"  )",
		"  EXTERNAL_VOLUME = "+volume,
	)
	if err := c.exec(ctx, "EnsureLinkedDatabase", strings.Join(lines, "\n")); err != nil && !provision.IsConflict(err) {
		return wrap(err, "EnsureLinkedDatabase")
	}
	c.logger.WithField("database", spec.Name).Info("linked database created")
	return nil
}

// PrimeLinkedDatabase seeds a starter schema, table, and row so the
// datasource is immediately queryable. Callers treat failure as
// non-fatal.
func (c *Client) PrimeLinkedDatabase(ctx context.Context, database string) error {
	c.remoteCall("PrimeLinkedDatabase")

	if err := validIdentifier(database); err != nil {
		return wrap(err, "PrimeLinkedDatabase")
	}

	table := strings.Join([]string{
		"CREATE OR REPLACE ICEBERG TABLE " + primeTable,
		"  (",
		"    first_name STRING,",
		"    last_name STRING,",
		"    amount INT,",
		"    create_date DATE",
		"  )",
		"PARTITION BY (first_name)",
		"TARGET_FILE_SIZE = '64MB'",
	}, "\n")

	statements := []string{
		"USE DATABASE " + database,
		"CREATE SCHEMA IF NOT EXISTS " + primeSchema,
		"USE SCHEMA " + primeSchema,
		table,
		fmt.Sprintf("INSERT INTO %s VALUES ('kun', 'xue', 100, '2025-05-06')", primeTable),
	}
	for _, statement := range statements {
		if err := c.exec(ctx, "PrimeLinkedDatabase", statement); err != nil {
			return wrap(err, "PrimeLinkedDatabase")
		}
	}
	c.logger.WithField("database", database).Info("linked database primed")
	return nil
}

// DropDatasourceObjects removes the linked database, catalog
// integration, and external volume in dependency order. Empty names are
// skipped; objects that do not exist are reported undropped without
// error.
func (c *Client) DropDatasourceObjects(ctx context.Context, database, integration, volume string) (provision.WarehouseDropSummary, error) {
	c.remoteCall("DropDatasourceObjects")

	var summary provision.WarehouseDropSummary

	for _, name := range []string{database, integration, volume} {
		if name == "" {
			continue
		}
		if err := validIdentifier(name); err != nil {
			return summary, wrap(err, "DropDatasourceObjects")
		}
	}

	if database != "" {
		dropped, err := c.dropIfExists(ctx, "DropDatasourceObjects",
			"SHOW DATABASES LIKE "+quoteLiteral(database), database,
			"DROP DATABASE IF EXISTS "+database+" CASCADE")
		if err != nil {
			return summary, wrap(err, "DropDatasourceObjects")
		}
		summary.DatabaseDropped = dropped
	}

	if integration != "" {
		name := strings.ToUpper(integration)
		dropped, err := c.dropIfExists(ctx, "DropDatasourceObjects",
			"SHOW CATALOG INTEGRATIONS LIKE "+quoteLiteral(name), name,
			"DROP CATALOG INTEGRATION IF EXISTS "+name)
		if err != nil {
			return summary, wrap(err, "DropDatasourceObjects")
		}
		summary.IntegrationDropped = dropped
	}

	if volume != "" {
		name := strings.ToUpper(volume)
		dropped, err := c.dropIfExists(ctx, "DropDatasourceObjects",
			"SHOW EXTERNAL VOLUMES LIKE "+quoteLiteral(name), name,
			"DROP EXTERNAL VOLUME IF EXISTS "+name)
		if err != nil {
			return summary, wrap(err, "DropDatasourceObjects")
		}
		summary.VolumeDropped = dropped
	}

	return summary, nil
}

func (c *Client) dropIfExists(ctx context.Context, operation, showSQL, target, dropSQL string) (bool, error) {
	exists, err := c.objectExists(ctx, operation, showSQL, target)
	if err != nil {
		return false, err
	}
	if !exists {
		c.logger.WithField("object", target).Debug("warehouse object not found, skipping drop")
		return false, nil
	}
	if err := c.exec(ctx, operation, dropSQL); err != nil && !provision.IsNotFound(err) {
		return false, err
	}
	return true, nil
}
