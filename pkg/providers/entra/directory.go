// Package entra implements the identity/directory subsystem against the
// Microsoft Graph API: applications, service principals, security groups,
// and application secrets.
package entra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lakeforge/lakeforge/pkg/auth"
	"github.com/lakeforge/lakeforge/pkg/provision"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// secretValidity is how long minted application secrets stay valid.
const secretValidity = 730 * 24 * time.Hour

// Client implements provision.DirectoryProvisioner against Microsoft
// Graph.
type Client struct {
	baseURL string
	tokens  auth.TokenProvider
	http    *http.Client
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	now func() time.Time
}

// NewClient builds a Graph client. baseURL falls back to the public Graph
// endpoint when empty.
func NewClient(baseURL string, tokens auth.TokenProvider, httpClient *http.Client, logger *telemetry.Logger, metrics *telemetry.Metrics) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
		logger:  logger.Component("entra"),
		metrics: metrics,
		now:     time.Now,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	token, err := c.tokens.Token(ctx, auth.GraphScope)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, provision.NewPermanentError("encoding request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, provision.NewPermanentError("building request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, provision.NewTransientError("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, provision.NewTransientError("reading response", err)
	}
	return resp.StatusCode, data, nil
}

func classify(operation string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	text := string(body)
	msg := fmt.Sprintf("%s returned %d", operation, status)
	switch {
	case status == http.StatusNotFound:
		return provision.NewNotFoundError(msg, nil)
	case status == http.StatusConflict:
		return provision.NewConflictError(msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provision.NewAuthError(msg, errors.New(summarize(text)))
	case status == http.StatusTooManyRequests || status >= 500:
		return provision.NewTransientError(msg, errors.New(summarize(text)))
	default:
		return provision.NewPermanentError(msg, errors.New(summarize(text)))
	}
}

func summarize(s string) string {
	const limit = 512
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func (c *Client) remoteCall(operation string) {
	c.metrics.RemoteCall("directory", operation)
}

func wrap(err error, operation string) error {
	if err == nil {
		return nil
	}
	var pe *provision.ProvisionError
	if errors.As(err, &pe) {
		if pe.Subsystem == "" {
			pe.Subsystem = "directory"
		}
		if pe.Operation == "" {
			pe.Operation = operation
		}
		return err
	}
	return provision.NewPermanentError(operation+" failed", err).WithSubsystem("directory").WithOperation(operation)
}

type directoryObject struct {
	ID          string `json:"id"`
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName"`
}

type listResponse struct {
	Value []directoryObject `json:"value"`
}

// findOne runs a $filter query and returns the first match.
func (c *Client) findOne(ctx context.Context, operation, collection, filter string) (directoryObject, bool, error) {
	path := "/" + collection + "?$filter=" + url.QueryEscape(filter)
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return directoryObject{}, false, err
	}
	if cerr := classify(operation, status, body); cerr != nil {
		return directoryObject{}, false, cerr
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return directoryObject{}, false, provision.NewPermanentError("decoding "+collection+" list", err)
	}
	if len(parsed.Value) == 0 {
		return directoryObject{}, false, nil
	}
	return parsed.Value[0], true, nil
}

// EnsureApplication finds or creates an application registration by
// display name.
func (c *Client) EnsureApplication(ctx context.Context, name string) (provision.Application, error) {
	c.remoteCall("EnsureApplication")

	existing, found, err := c.findOne(ctx, "EnsureApplication", "applications",
		fmt.Sprintf("displayName eq '%s'", escapeODataLiteral(name)))
	if err != nil {
		return provision.Application{}, wrap(err, "EnsureApplication")
	}
	if found {
		return provision.Application{ObjectID: existing.ID, AppID: existing.AppID, DisplayName: existing.DisplayName}, nil
	}

	status, body, err := c.do(ctx, http.MethodPost, "/applications", map[string]interface{}{
		"displayName": name,
	})
	if err != nil {
		return provision.Application{}, wrap(err, "EnsureApplication")
	}
	if cerr := classify("EnsureApplication", status, body); cerr != nil {
		return provision.Application{}, wrap(cerr, "EnsureApplication")
	}

	var created directoryObject
	if err := json.Unmarshal(body, &created); err != nil {
		return provision.Application{}, wrap(provision.NewPermanentError("decoding application", err), "EnsureApplication")
	}
	c.logger.WithField("application", name).Debug("application created")
	return provision.Application{ObjectID: created.ID, AppID: created.AppID, DisplayName: created.DisplayName}, nil
}

// FindApplication looks an application up by display name without
// creating it.
func (c *Client) FindApplication(ctx context.Context, name string) (provision.Application, bool, error) {
	c.remoteCall("FindApplication")

	obj, found, err := c.findOne(ctx, "FindApplication", "applications",
		fmt.Sprintf("displayName eq '%s'", escapeODataLiteral(name)))
	if err != nil {
		return provision.Application{}, false, wrap(err, "FindApplication")
	}
	if !found {
		return provision.Application{}, false, nil
	}
	return provision.Application{ObjectID: obj.ID, AppID: obj.AppID, DisplayName: obj.DisplayName}, true, nil
}

// EnsureServicePrincipal finds or creates the service principal backing
// an application.
func (c *Client) EnsureServicePrincipal(ctx context.Context, appID string) (provision.ServicePrincipal, error) {
	c.remoteCall("EnsureServicePrincipal")

	existing, found, err := c.findOne(ctx, "EnsureServicePrincipal", "servicePrincipals",
		fmt.Sprintf("appId eq '%s'", escapeODataLiteral(appID)))
	if err != nil {
		return provision.ServicePrincipal{}, wrap(err, "EnsureServicePrincipal")
	}
	if found {
		return provision.ServicePrincipal{ObjectID: existing.ID, AppID: existing.AppID, DisplayName: existing.DisplayName}, nil
	}

	status, body, err := c.do(ctx, http.MethodPost, "/servicePrincipals", map[string]interface{}{
		"appId": appID,
	})
	if err != nil {
		return provision.ServicePrincipal{}, wrap(err, "EnsureServicePrincipal")
	}
	if cerr := classify("EnsureServicePrincipal", status, body); cerr != nil {
		return provision.ServicePrincipal{}, wrap(cerr, "EnsureServicePrincipal")
	}

	var created directoryObject
	if err := json.Unmarshal(body, &created); err != nil {
		return provision.ServicePrincipal{}, wrap(provision.NewPermanentError("decoding service principal", err), "EnsureServicePrincipal")
	}
	return provision.ServicePrincipal{ObjectID: created.ID, AppID: created.AppID, DisplayName: created.DisplayName}, nil
}

// EnsureGroup finds or creates a security group by display name.
func (c *Client) EnsureGroup(ctx context.Context, name, description string) (provision.DirectoryGroup, error) {
	c.remoteCall("EnsureGroup")

	existing, found, err := c.findOne(ctx, "EnsureGroup", "groups",
		fmt.Sprintf("displayName eq '%s'", escapeODataLiteral(name)))
	if err != nil {
		return provision.DirectoryGroup{}, wrap(err, "EnsureGroup")
	}
	if found {
		return provision.DirectoryGroup{ObjectID: existing.ID, Name: existing.DisplayName}, nil
	}

	status, body, err := c.do(ctx, http.MethodPost, "/groups", map[string]interface{}{
		"displayName":     name,
		"description":     description,
		"mailEnabled":     false,
		"securityEnabled": true,
		"mailNickname":    mailNickname(name),
	})
	if err != nil {
		return provision.DirectoryGroup{}, wrap(err, "EnsureGroup")
	}
	if cerr := classify("EnsureGroup", status, body); cerr != nil {
		return provision.DirectoryGroup{}, wrap(cerr, "EnsureGroup")
	}

	var created directoryObject
	if err := json.Unmarshal(body, &created); err != nil {
		return provision.DirectoryGroup{}, wrap(provision.NewPermanentError("decoding group", err), "EnsureGroup")
	}
	c.logger.WithField("group", name).Debug("security group created")
	return provision.DirectoryGroup{ObjectID: created.ID, Name: created.DisplayName}, nil
}

// AddGroupMember adds a directory object to a group. An existing
// membership is success.
func (c *Client) AddGroupMember(ctx context.Context, groupID, memberObjectID string) error {
	c.remoteCall("AddGroupMember")

	status, body, err := c.do(ctx, http.MethodPost, "/groups/"+groupID+"/members/$ref", map[string]interface{}{
		"@odata.id": "https://graph.microsoft.com/v1.0/directoryObjects/" + memberObjectID,
	})
	if err != nil {
		return wrap(err, "AddGroupMember")
	}
	if status == http.StatusBadRequest && strings.Contains(string(body), "One or more added object references already exist") {
		return nil
	}
	return wrap(classify("AddGroupMember", status, body), "AddGroupMember")
}

type addPasswordResponse struct {
	SecretText string `json:"secretText"`
}

// CreateApplicationSecret mints a new client secret for an application.
// Not idempotent; callers must reuse cached values instead of calling it
// twice for the same record.
func (c *Client) CreateApplicationSecret(ctx context.Context, applicationObjectID, secretName string) (string, error) {
	c.remoteCall("CreateApplicationSecret")

	status, body, err := c.do(ctx, http.MethodPost, "/applications/"+applicationObjectID+"/addPassword", map[string]interface{}{
		"passwordCredential": map[string]interface{}{
			"displayName": secretName,
			"endDateTime": c.now().UTC().Add(secretValidity).Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", wrap(err, "CreateApplicationSecret")
	}
	if cerr := classify("CreateApplicationSecret", status, body); cerr != nil {
		return "", wrap(cerr, "CreateApplicationSecret")
	}

	var parsed addPasswordResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", wrap(provision.NewPermanentError("decoding secret response", err), "CreateApplicationSecret")
	}
	if parsed.SecretText == "" {
		return "", wrap(provision.NewPermanentError("secret response carried no secretText", nil), "CreateApplicationSecret")
	}
	return parsed.SecretText, nil
}

// DeleteGroup removes a group by display name. Absence is a classified
// not-found.
func (c *Client) DeleteGroup(ctx context.Context, name string) error {
	c.remoteCall("DeleteGroup")

	obj, found, err := c.findOne(ctx, "DeleteGroup", "groups",
		fmt.Sprintf("displayName eq '%s'", escapeODataLiteral(name)))
	if err != nil {
		return wrap(err, "DeleteGroup")
	}
	if !found {
		return wrap(provision.NewNotFoundError("group "+name+" does not exist", nil), "DeleteGroup")
	}

	status, body, err := c.do(ctx, http.MethodDelete, "/groups/"+obj.ID, nil)
	if err != nil {
		return wrap(err, "DeleteGroup")
	}
	return wrap(classify("DeleteGroup", status, body), "DeleteGroup")
}

// DeleteServicePrincipal removes the service principal for an application
// ID. Absence is a classified not-found.
func (c *Client) DeleteServicePrincipal(ctx context.Context, appID string) error {
	c.remoteCall("DeleteServicePrincipal")

	obj, found, err := c.findOne(ctx, "DeleteServicePrincipal", "servicePrincipals",
		fmt.Sprintf("appId eq '%s'", escapeODataLiteral(appID)))
	if err != nil {
		return wrap(err, "DeleteServicePrincipal")
	}
	if !found {
		return wrap(provision.NewNotFoundError("service principal for app "+appID+" does not exist", nil), "DeleteServicePrincipal")
	}

	status, body, err := c.do(ctx, http.MethodDelete, "/servicePrincipals/"+obj.ID, nil)
	if err != nil {
		return wrap(err, "DeleteServicePrincipal")
	}
	return wrap(classify("DeleteServicePrincipal", status, body), "DeleteServicePrincipal")
}

// DeleteApplication removes an application by display name. Absence is a
// classified not-found.
func (c *Client) DeleteApplication(ctx context.Context, name string) error {
	c.remoteCall("DeleteApplication")

	obj, found, err := c.findOne(ctx, "DeleteApplication", "applications",
		fmt.Sprintf("displayName eq '%s'", escapeODataLiteral(name)))
	if err != nil {
		return wrap(err, "DeleteApplication")
	}
	if !found {
		return wrap(provision.NewNotFoundError("application "+name+" does not exist", nil), "DeleteApplication")
	}

	status, body, err := c.do(ctx, http.MethodDelete, "/applications/"+obj.ID, nil)
	if err != nil {
		return wrap(err, "DeleteApplication")
	}
	return wrap(classify("DeleteApplication", status, body), "DeleteApplication")
}

// escapeODataLiteral doubles single quotes inside an OData string literal.
func escapeODataLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// mailNickname derives a Graph-safe mail nickname from a group name.
func mailNickname(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "group"
	}
	return b.String()
}
