package databricks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

// EnsureStorageCredential creates a Unity Catalog storage credential
// backed by the access connector's managed identity. The metastore can
// reject the credential while the identity propagates through the
// directory; those rejections are retried with the propagation backoff.
func (c *Client) EnsureStorageCredential(ctx context.Context, name, accessConnectorID string) error {
	c.remoteCall("EnsureStorageCredential")

	create := func() error {
		status, body, err := c.do(ctx, c.workspaceTokens, http.MethodPost,
			c.workspacePath("/credentials"), map[string]interface{}{
				"name": name,
				"azure_managed_identity": map[string]interface{}{
					"access_connector_id": accessConnectorID,
				},
			})
		if err != nil {
			return err
		}
		cerr := classify("EnsureStorageCredential", status, body)
		if cerr == nil || provision.IsConflict(cerr) {
			return nil
		}
		return cerr
	}

	if err := provision.RetryPropagation(ctx, c.logger, "storage credential", create); err != nil {
		return wrap(err, "EnsureStorageCredential")
	}
	c.logger.WithField("credential", name).Debug("storage credential ensured")
	return nil
}

// EnsureExternalLocation creates an external location pointing at the
// container through the storage credential. Authorization failures while
// grants propagate are retried with the propagation backoff.
func (c *Client) EnsureExternalLocation(ctx context.Context, name, locationURL, credentialName string) error {
	c.remoteCall("EnsureExternalLocation")

	create := func() error {
		status, body, err := c.do(ctx, c.workspaceTokens, http.MethodPost,
			c.workspacePath("/external-locations"), map[string]interface{}{
				"name":            name,
				"url":             locationURL,
				"credential_name": credentialName,
			})
		if err != nil {
			return err
		}
		cerr := classify("EnsureExternalLocation", status, body)
		if cerr == nil || provision.IsConflict(cerr) {
			return nil
		}
		return cerr
	}

	if err := provision.RetryPropagation(ctx, c.logger, "external location", create); err != nil {
		return wrap(err, "EnsureExternalLocation")
	}
	c.logger.WithField("location", name).Debug("external location ensured")
	return nil
}

// EnsureCatalog creates a catalog rooted at the metastore storage root.
// An existing catalog is success.
func (c *Client) EnsureCatalog(ctx context.Context, name, storageRoot string) error {
	c.remoteCall("EnsureCatalog")

	status, body, err := c.do(ctx, c.workspaceTokens, http.MethodPost,
		c.workspacePath("/catalogs"), map[string]interface{}{
			"name":         name,
			"storage_root": storageRoot,
		})
	if err != nil {
		return wrap(err, "EnsureCatalog")
	}
	cerr := classify("EnsureCatalog", status, body)
	if cerr == nil || provision.IsConflict(cerr) {
		c.logger.WithField("catalog", name).Debug("catalog ensured")
		return nil
	}
	return wrap(cerr, "EnsureCatalog")
}

// GrantCatalogPrivileges grants privileges on a catalog to a principal.
// A privilege the metastore does not recognize is logged and skipped
// rather than failing the operation.
func (c *Client) GrantCatalogPrivileges(ctx context.Context, catalog, principal string, privileges []string) error {
	c.remoteCall("GrantCatalogPrivileges")

	status, body, err := c.do(ctx, c.workspaceTokens, http.MethodPatch,
		c.workspacePath("/permissions/catalog/"+url.PathEscape(catalog)), map[string]interface{}{
			"changes": []map[string]interface{}{
				{"principal": principal, "add": privileges},
			},
		})
	if err != nil {
		return wrap(err, "GrantCatalogPrivileges")
	}
	if cerr := classify("GrantCatalogPrivileges", status, body); cerr != nil {
		if parseAPIError(body).ErrorCode == "INVALID_PARAMETER_VALUE" {
			c.logger.WithField("catalog", catalog).WithError(cerr).
				Warn("metastore rejected a privilege value; continuing")
			return nil
		}
		return wrap(cerr, "GrantCatalogPrivileges")
	}
	return nil
}

type namedObject struct {
	Name string `json:"name"`
}

type schemaListResponse struct {
	Schemas       []namedObject `json:"schemas"`
	NextPageToken string        `json:"next_page_token"`
}

type tableListResponse struct {
	Tables        []namedObject `json:"tables"`
	NextPageToken string        `json:"next_page_token"`
}

// ListSchemas returns every schema name in a catalog, following
// pagination.
func (c *Client) ListSchemas(ctx context.Context, catalog string) ([]string, error) {
	c.remoteCall("ListSchemas")

	var names []string
	pageToken := ""
	for {
		path := c.workspacePath("/schemas?catalog_name=" + url.QueryEscape(catalog))
		if pageToken != "" {
			path += "&page_token=" + url.QueryEscape(pageToken)
		}
		status, body, err := c.do(ctx, c.workspaceTokens, http.MethodGet, path, nil)
		if err != nil {
			return nil, wrap(err, "ListSchemas")
		}
		if cerr := classify("ListSchemas", status, body); cerr != nil {
			return nil, wrap(cerr, "ListSchemas")
		}

		var page schemaListResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, wrap(provision.NewPermanentError("decoding schema list", err), "ListSchemas")
		}
		for _, schema := range page.Schemas {
			names = append(names, schema.Name)
		}
		if page.NextPageToken == "" {
			return names, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListTables returns every table name in a schema, following pagination.
func (c *Client) ListTables(ctx context.Context, catalog, schema string) ([]string, error) {
	c.remoteCall("ListTables")

	var names []string
	pageToken := ""
	for {
		path := c.workspacePath(fmt.Sprintf("/tables?catalog_name=%s&schema_name=%s",
			url.QueryEscape(catalog), url.QueryEscape(schema)))
		if pageToken != "" {
			path += "&page_token=" + url.QueryEscape(pageToken)
		}
		status, body, err := c.do(ctx, c.workspaceTokens, http.MethodGet, path, nil)
		if err != nil {
			return nil, wrap(err, "ListTables")
		}
		if cerr := classify("ListTables", status, body); cerr != nil {
			return nil, wrap(cerr, "ListTables")
		}

		var page tableListResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, wrap(provision.NewPermanentError("decoding table list", err), "ListTables")
		}
		for _, table := range page.Tables {
			names = append(names, table.Name)
		}
		if page.NextPageToken == "" {
			return names, nil
		}
		pageToken = page.NextPageToken
	}
}

// DeleteTable drops a table by its three-part name.
func (c *Client) DeleteTable(ctx context.Context, fullName string) error {
	c.remoteCall("DeleteTable")
	return c.deleteObject(ctx, "DeleteTable", "/tables/"+url.PathEscape(fullName))
}

// DeleteSchema drops a schema by its two-part name.
func (c *Client) DeleteSchema(ctx context.Context, fullName string) error {
	c.remoteCall("DeleteSchema")
	return c.deleteObject(ctx, "DeleteSchema", "/schemas/"+url.PathEscape(fullName))
}

// DeleteCatalog drops a catalog.
func (c *Client) DeleteCatalog(ctx context.Context, name string) error {
	c.remoteCall("DeleteCatalog")
	return c.deleteObject(ctx, "DeleteCatalog", "/catalogs/"+url.PathEscape(name))
}

// DeleteExternalLocation drops an external location.
func (c *Client) DeleteExternalLocation(ctx context.Context, name string) error {
	c.remoteCall("DeleteExternalLocation")
	return c.deleteObject(ctx, "DeleteExternalLocation", "/external-locations/"+url.PathEscape(name))
}

// DeleteStorageCredential drops a storage credential.
func (c *Client) DeleteStorageCredential(ctx context.Context, name string) error {
	c.remoteCall("DeleteStorageCredential")
	return c.deleteObject(ctx, "DeleteStorageCredential", "/credentials/"+url.PathEscape(name))
}

func (c *Client) deleteObject(ctx context.Context, operation, path string) error {
	status, body, err := c.do(ctx, c.workspaceTokens, http.MethodDelete, c.workspacePath(path), nil)
	if err != nil {
		return wrap(err, operation)
	}
	return wrap(classify(operation, status, body), operation)
}
