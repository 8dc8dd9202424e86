// Package snowflake implements the data warehouse subsystem: external
// volumes over cloud storage, OAuth-backed catalog integrations against
// the governance REST catalog, and catalog-linked databases mirroring
// the governed tables.
package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/snowflakedb/gosnowflake"

	"github.com/lakeforge/lakeforge/pkg/provision"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// Config holds warehouse connection settings. Role, Warehouse, Database
// and Schema are optional session defaults.
type Config struct {
	Account   string
	User      string
	Password  string
	Role      string
	Warehouse string
	Database  string
	Schema    string
}

// execer is the slice of *sql.DB the client needs. Tests substitute a
// recording implementation.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Client implements provision.WarehouseProvisioner by issuing DDL over a
// database/sql connection.
type Client struct {
	db      execer
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewClient wraps an open warehouse connection.
func NewClient(db execer, logger *telemetry.Logger, metrics *telemetry.Metrics) *Client {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Client{db: db, logger: logger.Component("snowflake"), metrics: metrics}
}

// Open connects to the warehouse and returns a client plus the
// underlying handle for lifecycle management.
func Open(cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Client, *sql.DB, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Role:      cfg.Role,
		Warehouse: cfg.Warehouse,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
	})
	if err != nil {
		return nil, nil, provision.NewPermanentError("building warehouse DSN", err).WithSubsystem("warehouse")
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, nil, provision.NewPermanentError("opening warehouse connection", err).WithSubsystem("warehouse")
	}
	return NewClient(db, logger, metrics), db, nil
}

// identifierPattern is the shape of an unquoted warehouse identifier.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return provision.NewPermanentError(fmt.Sprintf("%q is not a valid warehouse identifier", name), nil).WithSubsystem("warehouse")
	}
	return nil
}

// quoteLiteral renders a string literal, doubling embedded quotes.
func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// redact masks secret values before DDL is logged.
func redact(ddl string, secrets ...string) string {
	for _, secret := range secrets {
		if secret != "" {
			ddl = strings.ReplaceAll(ddl, secret, "***")
		}
	}
	return ddl
}

// classifySQL maps a warehouse execution error to the error taxonomy.
// The driver reports SQLSTATE 42710 for existing objects; the remaining
// conditions only surface through message text.
func classifySQL(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provision.NewTransientError(operation+" interrupted", err)
	}

	var sfErr *gosnowflake.SnowflakeError
	message := strings.ToLower(err.Error())
	sqlState := ""
	if errors.As(err, &sfErr) {
		sqlState = sfErr.SQLState
		message = strings.ToLower(sfErr.Message)
	}

	switch {
	case sqlState == "42710" || strings.Contains(message, "already exists"):
		return provision.NewConflictError(operation+": object already exists", err)
	case strings.Contains(message, "cannot be replaced") && strings.Contains(message, "catalog integration"):
		return provision.NewInUseError(operation+": catalog integration has dependents", err)
	case strings.Contains(message, "invalid_client") || strings.Contains(message, "not authorized"):
		return provision.NewAuthError(operation+": catalog credentials rejected", err)
	case strings.Contains(message, "does not exist"):
		return provision.NewNotFoundError(operation+": object does not exist", err)
	case strings.Contains(message, "connection") || strings.Contains(message, "timeout") || strings.Contains(message, "network"):
		return provision.NewTransientError(operation+" failed", err)
	default:
		return provision.NewPermanentError(operation+" failed", err)
	}
}

func wrap(err error, operation string) error {
	if err == nil {
		return nil
	}
	var pe *provision.ProvisionError
	if errors.As(err, &pe) {
		if pe.Subsystem == "" {
			pe.Subsystem = "warehouse"
		}
		if pe.Operation == "" {
			pe.Operation = operation
		}
		return err
	}
	return provision.NewPermanentError(operation+" failed", err).WithSubsystem("warehouse").WithOperation(operation)
}

func (c *Client) exec(ctx context.Context, operation, ddl string, secrets ...string) error {
	c.logger.WithField("statement", redact(ddl, secrets...)).Debug("executing warehouse statement")
	_, err := c.db.ExecContext(ctx, ddl)
	return classifySQL(operation, err)
}

// objectExists runs a SHOW ... LIKE probe and reports whether a row's
// name column matches target exactly. SHOW output is positional and
// version-dependent, so the name column is located by header.
func (c *Client) objectExists(ctx context.Context, operation, showSQL, target string) (bool, error) {
	rows, err := c.db.QueryContext(ctx, showSQL)
	if err != nil {
		return false, classifySQL(operation, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return false, classifySQL(operation, err)
	}
	nameIdx := -1
	for i, col := range cols {
		if strings.EqualFold(col, "name") {
			nameIdx = i
			break
		}
	}
	if nameIdx < 0 {
		return false, provision.NewPermanentError(operation+": probe result carries no name column", nil)
	}

	values := make([]interface{}, len(cols))
	holders := make([]sql.NullString, len(cols))
	for i := range values {
		values[i] = &holders[i]
	}
	for rows.Next() {
		if err := rows.Scan(values...); err != nil {
			return false, classifySQL(operation, err)
		}
		if strings.EqualFold(holders[nameIdx].String, target) {
			return true, nil
		}
	}
	return false, classifySQL(operation, rows.Err())
}

func (c *Client) remoteCall(operation string) {
	c.metrics.RemoteCall("warehouse", operation)
}
