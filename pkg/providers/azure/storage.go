package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

func newUUID() string { return uuid.NewString() }

func (c *Client) storageAccountPath() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
		c.cfg.SubscriptionID, c.cfg.ResourceGroup, c.cfg.StorageAccount)
}

func (c *Client) containerPath(name string) string {
	return c.storageAccountPath() + "/blobServices/default/containers/" + name
}

func (c *Client) identityPath(name string) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ManagedIdentity/userAssignedIdentities/%s",
		c.cfg.SubscriptionID, c.cfg.IdentityResourceGroup, name)
}

// EnsureContainer creates the blob container if it does not exist. An
// already-existing container is success.
func (c *Client) EnsureContainer(ctx context.Context, name string, tags map[string]string) (provision.Container, error) {
	c.remoteCall("EnsureContainer")

	payload := map[string]interface{}{
		"properties": map[string]interface{}{
			"publicAccess": "None",
			"metadata":     tags,
		},
	}
	status, body, err := c.do(ctx, http.MethodPut,
		c.containerPath(name)+"?api-version="+containerAPIVersion, payload)
	if err != nil {
		return provision.Container{}, wrap(err, "EnsureContainer")
	}
	if cerr := classify("EnsureContainer", status, body); cerr != nil && !provision.IsConflict(cerr) {
		return provision.Container{}, wrap(cerr, "EnsureContainer")
	}

	c.logger.WithField("container", name).Debug("container ensured")
	return provision.Container{
		Name: name,
		URL:  fmt.Sprintf("abfss://%s@%s.%s/", name, c.cfg.StorageAccount, c.cfg.DNSSuffix),
	}, nil
}

type identityResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Properties struct {
		ClientID    string `json:"clientId"`
		PrincipalID string `json:"principalId"`
	} `json:"properties"`
}

// EnsureIdentity creates the user-assigned managed identity if needed and
// returns its identifiers.
func (c *Client) EnsureIdentity(ctx context.Context, name string, tags map[string]string) (provision.ManagedIdentity, error) {
	c.remoteCall("EnsureIdentity")

	payload := map[string]interface{}{
		"location": c.cfg.Location,
		"tags":     tags,
	}
	status, body, err := c.do(ctx, http.MethodPut,
		c.identityPath(name)+"?api-version="+identityAPIVersion, payload)
	if err != nil {
		return provision.ManagedIdentity{}, wrap(err, "EnsureIdentity")
	}
	if cerr := classify("EnsureIdentity", status, body); cerr != nil {
		return provision.ManagedIdentity{}, wrap(cerr, "EnsureIdentity")
	}

	var parsed identityResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return provision.ManagedIdentity{}, wrap(provision.NewPermanentError("decoding identity response", err), "EnsureIdentity")
	}

	c.logger.WithField("identity", name).Debug("managed identity ensured")
	return provision.ManagedIdentity{
		Name:        name,
		ResourceID:  parsed.ID,
		ClientID:    parsed.Properties.ClientID,
		PrincipalID: parsed.Properties.PrincipalID,
	}, nil
}

// GetIdentity looks a managed identity up without creating it.
func (c *Client) GetIdentity(ctx context.Context, name string) (provision.ManagedIdentity, bool, error) {
	c.remoteCall("GetIdentity")

	status, body, err := c.do(ctx, http.MethodGet,
		c.identityPath(name)+"?api-version="+identityAPIVersion, nil)
	if err != nil {
		return provision.ManagedIdentity{}, false, wrap(err, "GetIdentity")
	}
	if status == http.StatusNotFound {
		return provision.ManagedIdentity{}, false, nil
	}
	if cerr := classify("GetIdentity", status, body); cerr != nil {
		return provision.ManagedIdentity{}, false, wrap(cerr, "GetIdentity")
	}

	var parsed identityResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return provision.ManagedIdentity{}, false, wrap(provision.NewPermanentError("decoding identity response", err), "GetIdentity")
	}
	return provision.ManagedIdentity{
		Name:        name,
		ResourceID:  parsed.ID,
		ClientID:    parsed.Properties.ClientID,
		PrincipalID: parsed.Properties.PrincipalID,
	}, true, nil
}

// GrantStorageAccess assigns Storage Blob Data Contributor to the
// principal at the container's scope. An existing assignment is success;
// a principal the directory has not propagated yet is retried with the
// propagation backoff.
func (c *Client) GrantStorageAccess(ctx context.Context, containerName, principalID string) error {
	scope := c.containerPath(containerName)
	roleDefinition := fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/%s",
		c.cfg.SubscriptionID, blobContributorRoleID)

	assign := func() error {
		c.remoteCall("GrantStorageAccess")
		payload := map[string]interface{}{
			"properties": map[string]interface{}{
				"roleDefinitionId": roleDefinition,
				"principalId":      principalID,
			},
		}
		path := fmt.Sprintf("%s/providers/Microsoft.Authorization/roleAssignments/%s?api-version=%s",
			scope, c.newAssignmentID(), roleAPIVersion)
		status, body, err := c.do(ctx, http.MethodPut, path, payload)
		if err != nil {
			return err
		}
		if cerr := classify("GrantStorageAccess", status, body); cerr != nil && !provision.IsConflict(cerr) {
			return cerr
		}
		return nil
	}

	if err := provision.RetryPropagation(ctx, c.logger, "role assignment", assign); err != nil {
		return wrap(err, "GrantStorageAccess")
	}
	c.logger.WithField("container", containerName).WithField("principal", principalID).
		Debug("storage access granted")
	return nil
}

type connectorResource struct {
	Identity struct {
		Type                   string                     `json:"type"`
		UserAssignedIdentities map[string]json.RawMessage `json:"userAssignedIdentities"`
	} `json:"identity"`
}

// AttachIdentityToConnector merges the identity into the access
// connector's user-assigned identity set.
func (c *Client) AttachIdentityToConnector(ctx context.Context, identityResourceID string) error {
	return c.patchConnectorIdentities(ctx, "AttachIdentityToConnector", func(ids map[string]json.RawMessage) {
		ids[identityResourceID] = json.RawMessage("{}")
	})
}

// DetachIdentityFromConnector removes the identity from the access
// connector's user-assigned identity set. A connector that never carried
// the identity is success.
func (c *Client) DetachIdentityFromConnector(ctx context.Context, identityResourceID string) error {
	return c.patchConnectorIdentities(ctx, "DetachIdentityFromConnector", func(ids map[string]json.RawMessage) {
		for key := range ids {
			if strings.EqualFold(key, identityResourceID) {
				delete(ids, key)
			}
		}
	})
}

func (c *Client) patchConnectorIdentities(ctx context.Context, operation string, mutate func(map[string]json.RawMessage)) error {
	c.remoteCall(operation)

	getPath := c.cfg.AccessConnectorID + "?api-version=" + connectorAPIVersion
	status, body, err := c.do(ctx, http.MethodGet, getPath, nil)
	if err != nil {
		return wrap(err, operation)
	}
	if cerr := classify(operation, status, body); cerr != nil {
		return wrap(cerr, operation)
	}

	var connector connectorResource
	if err := json.Unmarshal(body, &connector); err != nil {
		return wrap(provision.NewPermanentError("decoding access connector", err), operation)
	}
	if connector.Identity.UserAssignedIdentities == nil {
		connector.Identity.UserAssignedIdentities = map[string]json.RawMessage{}
	}
	mutate(connector.Identity.UserAssignedIdentities)

	identityType := connector.Identity.Type
	if len(connector.Identity.UserAssignedIdentities) > 0 && !strings.Contains(identityType, "UserAssigned") {
		if identityType == "" || strings.EqualFold(identityType, "None") {
			identityType = "UserAssigned"
		} else {
			identityType += ",UserAssigned"
		}
	}

	identities := map[string]interface{}{}
	for id := range connector.Identity.UserAssignedIdentities {
		identities[id] = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"identity": map[string]interface{}{
			"type":                   identityType,
			"userAssignedIdentities": identities,
		},
	}

	status, body, err = c.do(ctx, http.MethodPatch, getPath, payload)
	if err != nil {
		return wrap(err, operation)
	}
	if cerr := classify(operation, status, body); cerr != nil {
		return wrap(cerr, operation)
	}
	c.logger.Debug("access connector identities updated")
	return nil
}

type roleAssignmentList struct {
	Value []struct {
		ID         string `json:"id"`
		Properties struct {
			RoleDefinitionID string `json:"roleDefinitionId"`
		} `json:"properties"`
	} `json:"value"`
}

// RemoveRoleAssignments deletes the blob contributor assignments created
// at the container's scope during provisioning.
func (c *Client) RemoveRoleAssignments(ctx context.Context, containerName string) error {
	c.remoteCall("RemoveRoleAssignments")

	scope := c.containerPath(containerName)
	listPath := fmt.Sprintf("%s/providers/Microsoft.Authorization/roleAssignments?api-version=%s&$filter=atScope()",
		scope, roleAPIVersion)
	status, body, err := c.do(ctx, http.MethodGet, listPath, nil)
	if err != nil {
		return wrap(err, "RemoveRoleAssignments")
	}
	if cerr := classify("RemoveRoleAssignments", status, body); cerr != nil {
		return wrap(cerr, "RemoveRoleAssignments")
	}

	var assignments roleAssignmentList
	if err := json.Unmarshal(body, &assignments); err != nil {
		return wrap(provision.NewPermanentError("decoding role assignments", err), "RemoveRoleAssignments")
	}

	for _, assignment := range assignments.Value {
		if !strings.HasSuffix(assignment.Properties.RoleDefinitionID, blobContributorRoleID) {
			continue
		}
		status, body, err := c.do(ctx, http.MethodDelete, assignment.ID+"?api-version="+roleAPIVersion, nil)
		if err != nil {
			return wrap(err, "RemoveRoleAssignments")
		}
		if cerr := classify("RemoveRoleAssignments", status, body); cerr != nil && !provision.IsNotFound(cerr) {
			return wrap(cerr, "RemoveRoleAssignments")
		}
	}
	return nil
}

// DeleteIdentity removes the managed identity. Absence is reported as a
// classified not-found.
func (c *Client) DeleteIdentity(ctx context.Context, name string) error {
	c.remoteCall("DeleteIdentity")

	status, body, err := c.do(ctx, http.MethodDelete,
		c.identityPath(name)+"?api-version="+identityAPIVersion, nil)
	if err != nil {
		return wrap(err, "DeleteIdentity")
	}
	return wrap(classify("DeleteIdentity", status, body), "DeleteIdentity")
}

// DeleteContainer removes the blob container. Absence is reported as a
// classified not-found.
func (c *Client) DeleteContainer(ctx context.Context, name string) error {
	c.remoteCall("DeleteContainer")

	status, body, err := c.do(ctx, http.MethodDelete,
		c.containerPath(name)+"?api-version="+containerAPIVersion, nil)
	if err != nil {
		return wrap(err, "DeleteContainer")
	}
	return wrap(classify("DeleteContainer", status, body), "DeleteContainer")
}

// wrap attaches subsystem and operation context to a classified error.
func wrap(err error, operation string) error {
	if err == nil {
		return nil
	}
	var pe *provision.ProvisionError
	if errors.As(err, &pe) {
		if pe.Subsystem == "" {
			pe.Subsystem = "storage"
		}
		if pe.Operation == "" {
			pe.Operation = operation
		}
		return err
	}
	return provision.NewPermanentError(operation+" failed", err).WithSubsystem("storage").WithOperation(operation)
}
