// Package azure implements the storage subsystem against the Azure
// Resource Manager REST API: blob containers, user-assigned managed
// identities, role assignments, and the governance access connector.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lakeforge/lakeforge/pkg/auth"
	"github.com/lakeforge/lakeforge/pkg/provision"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

const (
	defaultBaseURL = "https://management.azure.com"

	containerAPIVersion = "2023-01-01"
	identityAPIVersion  = "2023-01-31"
	roleAPIVersion      = "2022-04-01"
	connectorAPIVersion = "2023-05-01"

	// Storage Blob Data Contributor.
	blobContributorRoleID = "ba92f5b4-2d11-453d-a403-e96b0029c9fe"
)

// Config holds the Azure subscription and storage settings the client
// operates on.
type Config struct {
	SubscriptionID        string
	ResourceGroup         string
	StorageAccount        string
	Location              string
	IdentityResourceGroup string
	AccessConnectorID     string

	// DNSSuffix is the ADLS Gen2 data-plane DNS suffix used in container
	// URLs. Empty means the public cloud suffix.
	DNSSuffix string
}

// Client implements provision.StorageProvisioner against ARM.
type Client struct {
	baseURL string
	cfg     Config
	tokens  auth.TokenProvider
	http    *http.Client
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	newAssignmentID func() string
}

// NewClient builds an ARM client authenticating through tokens.
func NewClient(cfg Config, tokens auth.TokenProvider, httpClient *http.Client, logger *telemetry.Logger, metrics *telemetry.Metrics) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	if cfg.DNSSuffix == "" {
		cfg.DNSSuffix = "dfs.core.windows.net"
	}
	return &Client{
		baseURL:         defaultBaseURL,
		cfg:             cfg,
		tokens:          tokens,
		http:            httpClient,
		logger:          logger.Component("azure"),
		metrics:         metrics,
		newAssignmentID: newUUID,
	}
}

// do sends one authenticated ARM request and returns the response status
// and body. Network failures come back classified transient.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	token, err := c.tokens.Token(ctx, auth.ManagementScope)
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

// classify maps an ARM response to the error taxonomy. nil means the
// request succeeded.
func classify(operation string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	text := string(body)
	msg := fmt.Sprintf("%s returned %d", operation, status)

	switch {
	case status == http.StatusConflict:
		if strings.Contains(text, "RoleAssignmentExists") || strings.Contains(text, "ContainerAlreadyExists") {
			return provision.NewConflictError(msg, nil)
		}
		return provision.NewConflictError(msg, fmt.Errorf("%s", truncateBody(text)))
	case status == http.StatusNotFound:
		return provision.NewNotFoundError(msg, nil)
	case status == http.StatusUnauthorized:
		return provision.NewAuthError(msg, fmt.Errorf("%s", truncateBody(text)))
	case status == http.StatusBadRequest && strings.Contains(text, "PrincipalNotFound"):
		// The principal was just created and the directory has not caught
		// up yet.
		return provision.NewPropagationError(msg, nil)
	case status == http.StatusForbidden:
		return provision.NewAuthError(msg, fmt.Errorf("%s", truncateBody(text)))
	case status == http.StatusTooManyRequests || status >= 500:
		return provision.NewTransientError(msg, fmt.Errorf("%s", truncateBody(text)))
	default:
		return provision.NewPermanentError(msg, fmt.Errorf("%s", truncateBody(text)))
	}
}

func truncateBody(s string) string {
	const limit = 512
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func (c *Client) remoteCall(operation string) {
	c.metrics.RemoteCall("storage", operation)
}
