package databricks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lakeforge/lakeforge/pkg/naming"
	"github.com/lakeforge/lakeforge/pkg/provision"
)

// SCIM payloads for account-level principals and groups.

type scimServicePrincipal struct {
	ID            string `json:"id,omitempty"`
	ApplicationID string `json:"applicationId"`
	DisplayName   string `json:"displayName"`
	Active        bool   `json:"active"`
}

type scimGroup struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
}

type scimList[T any] struct {
	Resources    []T `json:"Resources"`
	TotalResults int `json:"totalResults"`
}

type scimPatchOp struct {
	Op    string       `json:"op"`
	Path  string       `json:"path,omitempty"`
	Value []scimMember `json:"value,omitempty"`
}

type scimMember struct {
	Value string `json:"value"`
}

type scimPatch struct {
	Schemas    []string      `json:"schemas"`
	Operations []scimPatchOp `json:"Operations"`
}

var scimPatchSchemas = []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"}

// EnsureAccountServicePrincipal registers an application as an
// account-level service principal, or returns the existing registration.
func (c *Client) EnsureAccountServicePrincipal(ctx context.Context, appID, displayName string) (provision.AccountPrincipal, error) {
	c.remoteCall("EnsureAccountServicePrincipal")

	existing, found, err := c.FindServicePrincipal(ctx, appID)
	if err != nil {
		return provision.AccountPrincipal{}, err
	}
	if found {
		return existing, nil
	}

	status, body, err := c.do(ctx, c.accountTokens, http.MethodPost,
		c.accountPath("/scim/v2/ServicePrincipals"),
		scimServicePrincipal{ApplicationID: appID, DisplayName: displayName, Active: true})
	if err != nil {
		return provision.AccountPrincipal{}, wrap(err, "EnsureAccountServicePrincipal")
	}
	if cerr := classify("EnsureAccountServicePrincipal", status, body); cerr != nil {
		if provision.IsConflict(cerr) {
			// Created by a concurrent attempt; resolve it.
			sp, found, findErr := c.FindServicePrincipal(ctx, appID)
			if findErr == nil && found {
				return sp, nil
			}
		}
		return provision.AccountPrincipal{}, wrap(cerr, "EnsureAccountServicePrincipal")
	}

	var created scimServicePrincipal
	if err := json.Unmarshal(body, &created); err != nil {
		return provision.AccountPrincipal{}, wrap(provision.NewPermanentError("decoding principal", err), "EnsureAccountServicePrincipal")
	}
	c.logger.WithField("principal", displayName).Debug("account service principal registered")
	return provision.AccountPrincipal{InternalID: created.ID, AppID: created.ApplicationID, DisplayName: created.DisplayName}, nil
}

// FindServicePrincipal resolves an account principal by application ID
// without creating it.
func (c *Client) FindServicePrincipal(ctx context.Context, appID string) (provision.AccountPrincipal, bool, error) {
	filter := url.QueryEscape(fmt.Sprintf(`applicationId eq "%s"`, appID))
	status, body, err := c.do(ctx, c.accountTokens, http.MethodGet,
		c.accountPath("/scim/v2/ServicePrincipals?filter="+filter), nil)
	if err != nil {
		return provision.AccountPrincipal{}, false, wrap(err, "FindServicePrincipal")
	}
	if cerr := classify("FindServicePrincipal", status, body); cerr != nil {
		return provision.AccountPrincipal{}, false, wrap(cerr, "FindServicePrincipal")
	}

	var list scimList[scimServicePrincipal]
	if err := json.Unmarshal(body, &list); err != nil {
		return provision.AccountPrincipal{}, false, wrap(provision.NewPermanentError("decoding principal list", err), "FindServicePrincipal")
	}
	if len(list.Resources) == 0 {
		return provision.AccountPrincipal{}, false, nil
	}
	sp := list.Resources[0]
	return provision.AccountPrincipal{InternalID: sp.ID, AppID: sp.ApplicationID, DisplayName: sp.DisplayName}, true, nil
}

// EnsureGroups creates the read-write and read-only account groups for a
// datasource, returning both whether created or found.
func (c *Client) EnsureGroups(ctx context.Context, base string) (provision.GovernanceGroupPair, error) {
	c.remoteCall("EnsureGroups")

	rw, err := c.ensureGroup(ctx, naming.ReadWriteGroup(base))
	if err != nil {
		return provision.GovernanceGroupPair{}, err
	}
	ro, err := c.ensureGroup(ctx, naming.ReadOnlyGroup(base))
	if err != nil {
		return provision.GovernanceGroupPair{}, err
	}
	return provision.GovernanceGroupPair{ReadWrite: rw, ReadOnly: ro}, nil
}

func (c *Client) ensureGroup(ctx context.Context, name string) (provision.GovernanceGroup, error) {
	existing, found, err := c.findGroup(ctx, name)
	if err != nil {
		return provision.GovernanceGroup{}, err
	}
	if found {
		return existing, nil
	}

	status, body, err := c.do(ctx, c.accountTokens, http.MethodPost,
		c.accountPath("/scim/v2/Groups"), scimGroup{DisplayName: name})
	if err != nil {
		return provision.GovernanceGroup{}, wrap(err, "EnsureGroups")
	}
	if cerr := classify("EnsureGroups", status, body); cerr != nil {
		if provision.IsConflict(cerr) {
			group, found, findErr := c.findGroup(ctx, name)
			if findErr == nil && found {
				return group, nil
			}
		}
		return provision.GovernanceGroup{}, wrap(cerr, "EnsureGroups")
	}

	var created scimGroup
	if err := json.Unmarshal(body, &created); err != nil {
		return provision.GovernanceGroup{}, wrap(provision.NewPermanentError("decoding group", err), "EnsureGroups")
	}
	c.logger.WithField("group", name).Debug("account group created")
	return provision.GovernanceGroup{InternalID: created.ID, Name: created.DisplayName}, nil
}

func (c *Client) findGroup(ctx context.Context, name string) (provision.GovernanceGroup, bool, error) {
	filter := url.QueryEscape(fmt.Sprintf(`displayName eq "%s"`, name))
	status, body, err := c.do(ctx, c.accountTokens, http.MethodGet,
		c.accountPath("/scim/v2/Groups?filter="+filter), nil)
	if err != nil {
		return provision.GovernanceGroup{}, false, wrap(err, "FindGroup")
	}
	if cerr := classify("FindGroup", status, body); cerr != nil {
		return provision.GovernanceGroup{}, false, wrap(cerr, "FindGroup")
	}

	var list scimList[scimGroup]
	if err := json.Unmarshal(body, &list); err != nil {
		return provision.GovernanceGroup{}, false, wrap(provision.NewPermanentError("decoding group list", err), "FindGroup")
	}
	if len(list.Resources) == 0 {
		return provision.GovernanceGroup{}, false, nil
	}
	group := list.Resources[0]
	return provision.GovernanceGroup{InternalID: group.ID, Name: group.DisplayName}, true, nil
}

// AddPrincipalToGroup adds an account principal to a group via a SCIM
// patch. An existing membership is success.
func (c *Client) AddPrincipalToGroup(ctx context.Context, groupInternalID, principalInternalID string) error {
	c.remoteCall("AddPrincipalToGroup")
	return c.patchGroupMembers(ctx, "AddPrincipalToGroup", groupInternalID, scimPatchOp{
		Op:    "add",
		Path:  "members",
		Value: []scimMember{{Value: principalInternalID}},
	})
}

// RemovePrincipalFromGroup removes an account principal from a group. A
// membership that never existed is success.
func (c *Client) RemovePrincipalFromGroup(ctx context.Context, groupInternalID, principalInternalID string) error {
	c.remoteCall("RemovePrincipalFromGroup")
	return c.patchGroupMembers(ctx, "RemovePrincipalFromGroup", groupInternalID, scimPatchOp{
		Op:   "remove",
		Path: fmt.Sprintf(`members[value eq "%s"]`, principalInternalID),
	})
}

func (c *Client) patchGroupMembers(ctx context.Context, operation, groupInternalID string, op scimPatchOp) error {
	status, body, err := c.do(ctx, c.accountTokens, http.MethodPatch,
		c.accountPath("/scim/v2/Groups/"+groupInternalID),
		scimPatch{Schemas: scimPatchSchemas, Operations: []scimPatchOp{op}})
	if err != nil {
		return wrap(err, operation)
	}
	if cerr := classify(operation, status, body); cerr != nil && !provision.IsConflict(cerr) {
		return wrap(cerr, operation)
	}
	return nil
}

type secretResponse struct {
	Secret string `json:"secret"`
}

// CreateServicePrincipalSecret mints an OAuth secret for an account
// principal. Fails when a secret with the same name already exists, so
// callers reuse previously recorded values.
func (c *Client) CreateServicePrincipalSecret(ctx context.Context, principalInternalID, secretName string) (string, error) {
	c.remoteCall("CreateServicePrincipalSecret")

	status, body, err := c.do(ctx, c.accountTokens, http.MethodPost,
		c.accountPath("/servicePrincipals/"+principalInternalID+"/credentials/secrets"),
		map[string]interface{}{"secret_name": secretName})
	if err != nil {
		return "", wrap(err, "CreateServicePrincipalSecret")
	}
	if cerr := classify("CreateServicePrincipalSecret", status, body); cerr != nil {
		return "", wrap(cerr, "CreateServicePrincipalSecret")
	}

	var parsed secretResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", wrap(provision.NewPermanentError("decoding secret response", err), "CreateServicePrincipalSecret")
	}
	if parsed.Secret == "" {
		return "", wrap(provision.NewPermanentError("secret response carried no secret", nil), "CreateServicePrincipalSecret")
	}
	return parsed.Secret, nil
}

// DeleteServicePrincipal removes an account principal by application ID.
// Absence is a classified not-found.
func (c *Client) DeleteServicePrincipal(ctx context.Context, appID string) error {
	c.remoteCall("DeleteServicePrincipal")

	sp, found, err := c.FindServicePrincipal(ctx, appID)
	if err != nil {
		return err
	}
	if !found {
		return wrap(provision.NewNotFoundError("account principal for app "+appID+" does not exist", nil), "DeleteServicePrincipal")
	}

	status, body, err := c.do(ctx, c.accountTokens, http.MethodDelete,
		c.accountPath("/scim/v2/ServicePrincipals/"+sp.InternalID), nil)
	if err != nil {
		return wrap(err, "DeleteServicePrincipal")
	}
	return wrap(classify("DeleteServicePrincipal", status, body), "DeleteServicePrincipal")
}

// DeleteGroup removes an account group by display name. Absence is a
// classified not-found.
func (c *Client) DeleteGroup(ctx context.Context, name string) error {
	c.remoteCall("DeleteGroup")

	group, found, err := c.findGroup(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return wrap(provision.NewNotFoundError("account group "+name+" does not exist", nil), "DeleteGroup")
	}

	status, body, err := c.do(ctx, c.accountTokens, http.MethodDelete,
		c.accountPath("/scim/v2/Groups/"+group.InternalID), nil)
	if err != nil {
		return wrap(err, "DeleteGroup")
	}
	return wrap(classify("DeleteGroup", status, body), "DeleteGroup")
}
