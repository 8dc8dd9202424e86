// Package databricks implements the lakehouse governance subsystem
// against the Databricks account SCIM API and the workspace Unity
// Catalog API: account principals and groups, storage credentials,
// external locations, catalogs, and grants.
package databricks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lakeforge/lakeforge/pkg/auth"
	"github.com/lakeforge/lakeforge/pkg/provision"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// Config holds the account- and workspace-level endpoints the client
// talks to.
type Config struct {
	AccountID    string
	AccountURL   string
	WorkspaceURL string
	StorageRoot  string
}

// Client implements provision.GovernanceProvisioner. Account-level
// operations (SCIM principals and groups, OAuth secrets) authenticate
// through accountTokens; workspace-level Unity Catalog operations through
// workspaceTokens.
type Client struct {
	cfg             Config
	accountTokens   auth.TokenProvider
	workspaceTokens auth.TokenProvider
	http            *http.Client
	logger          *telemetry.Logger
	metrics         *telemetry.Metrics
}

// NewClient builds a governance client.
func NewClient(cfg Config, accountTokens, workspaceTokens auth.TokenProvider, httpClient *http.Client, logger *telemetry.Logger, metrics *telemetry.Metrics) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Client{
		cfg:             cfg,
		accountTokens:   accountTokens,
		workspaceTokens: workspaceTokens,
		http:            httpClient,
		logger:          logger.Component("databricks"),
		metrics:         metrics,
	}
}

func (c *Client) accountPath(suffix string) string {
	return strings.TrimRight(c.cfg.AccountURL, "/") + "/api/2.0/accounts/" + c.cfg.AccountID + suffix
}

func (c *Client) workspacePath(suffix string) string {
	return strings.TrimRight(c.cfg.WorkspaceURL, "/") + "/api/2.1/unity-catalog" + suffix
}

func (c *Client) do(ctx context.Context, tokens auth.TokenProvider, method, fullURL string, body interface{}) (int, []byte, error) {
	token, err := tokens.Token(ctx, "")
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

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
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

// apiError is the structured error payload Unity Catalog returns.
type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func parseAPIError(body []byte) apiError {
	var e apiError
	_ = json.Unmarshal(body, &e)
	return e
}

// conflictCodes are error_code values meaning the resource already
// exists.
var conflictCodes = map[string]bool{
	"CATALOG_ALREADY_EXISTS":            true,
	"SCHEMA_ALREADY_EXISTS":             true,
	"EXTERNAL_LOCATION_ALREADY_EXISTS":  true,
	"STORAGE_CREDENTIAL_ALREADY_EXISTS": true,
	"RESOURCE_ALREADY_EXISTS":           true,
}

// notFoundCodes are error_code values meaning the resource does not
// exist.
var notFoundCodes = map[string]bool{
	"CATALOG_DOES_NOT_EXIST":            true,
	"SCHEMA_DOES_NOT_EXIST":             true,
	"TABLE_DOES_NOT_EXIST":              true,
	"EXTERNAL_LOCATION_DOES_NOT_EXIST":  true,
	"STORAGE_CREDENTIAL_DOES_NOT_EXIST": true,
	"RESOURCE_DOES_NOT_EXIST":           true,
	"NOT_FOUND":                         true,
}

// propagationHints are message fragments meaning a freshly created
// principal or permission has not propagated to the metastore yet.
var propagationHints = []string{
	"AADSTS700016",
	"was not found in the directory",
	"not authorized",
	"managed identity does not have",
	"validate_credential",
}

// classify maps a Unity Catalog response to the error taxonomy.
func classify(operation string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	apiErr := parseAPIError(body)
	msg := fmt.Sprintf("%s returned %d", operation, status)
	if apiErr.ErrorCode != "" {
		msg = fmt.Sprintf("%s (%s)", msg, apiErr.ErrorCode)
	}

	switch {
	case conflictCodes[apiErr.ErrorCode] || status == http.StatusConflict:
		return provision.NewConflictError(msg, nil)
	case notFoundCodes[apiErr.ErrorCode]:
		return provision.NewNotFoundError(msg, nil)
	case status == http.StatusNotFound && hasPropagationHint(apiErr.Message):
		// The metastore reports 404 while a just-created directory
		// principal propagates.
		return provision.NewPropagationError(msg, errors.New(summarize(apiErr.Message)))
	case status == http.StatusNotFound:
		return provision.NewNotFoundError(msg, nil)
	case status == http.StatusForbidden && hasPropagationHint(apiErr.Message):
		return provision.NewPropagationError(msg, errors.New(summarize(apiErr.Message)))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provision.NewAuthError(msg, errors.New(summarize(string(body))))
	case status == http.StatusTooManyRequests || status >= 500:
		return provision.NewTransientError(msg, errors.New(summarize(string(body))))
	default:
		return provision.NewPermanentError(msg, errors.New(summarize(string(body))))
	}
}

func hasPropagationHint(message string) bool {
	lower := strings.ToLower(message)
	for _, hint := range propagationHints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
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
	c.metrics.RemoteCall("governance", operation)
}

func wrap(err error, operation string) error {
	if err == nil {
		return nil
	}
	var pe *provision.ProvisionError
	if errors.As(err, &pe) {
		if pe.Subsystem == "" {
			pe.Subsystem = "governance"
		}
		if pe.Operation == "" {
			pe.Operation = operation
		}
		return err
	}
	return provision.NewPermanentError(operation+" failed", err).WithSubsystem("governance").WithOperation(operation)
}
