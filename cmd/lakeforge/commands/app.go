package commands

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/lakeforge/lakeforge/pkg/auth"
	"github.com/lakeforge/lakeforge/pkg/config"
	"github.com/lakeforge/lakeforge/pkg/naming"
	"github.com/lakeforge/lakeforge/pkg/providers/azure"
	"github.com/lakeforge/lakeforge/pkg/providers/databricks"
	"github.com/lakeforge/lakeforge/pkg/providers/entra"
	"github.com/lakeforge/lakeforge/pkg/providers/snowflake"
	"github.com/lakeforge/lakeforge/pkg/provision"
	"github.com/lakeforge/lakeforge/pkg/state"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// app bundles the wired collaborators a command needs, plus the handles
// that have to be released when the command finishes.
type app struct {
	cfg          *config.Config
	logger       *telemetry.Logger
	orchestrator *provision.Orchestrator

	store       *state.SQLiteStore
	warehouseDB *sql.DB
	stopTracing func(context.Context) error
}

// newApp loads the configuration and wires every subsystem adapter into
// an orchestrator.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitf(2, "loading config: %v", err)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger := telemetry.NewLogger(cfg.Telemetry.Logging, os.Stderr)
	metrics := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	tracer, stopTracing, err := telemetry.NewTracer(cfg.Telemetry.Tracing, version)
	if err != nil {
		return nil, exitf(2, "initializing tracing: %v", err)
	}

	store, err := state.Open(ctx, cfg.State.Path)
	if err != nil {
		return nil, exitf(2, "opening state store: %v", err)
	}

	armTokens := auth.NewClientCredentials(cfg.Azure.TenantID, cfg.Azure.ClientID, cfg.Azure.ClientSecret, nil)
	graphTokens := auth.NewClientCredentials(cfg.Identity.TenantID, cfg.Identity.ClientID, cfg.Identity.ClientSecret, nil)

	workspaceURL := strings.TrimRight(cfg.Databricks.WorkspaceURL, "/")
	accountURL := strings.TrimRight(cfg.Databricks.AccountURL, "/")
	workspaceTokens := auth.NewOIDCCredentials(workspaceURL+"/oidc/v1/token",
		cfg.Databricks.WorkspaceClientID, cfg.Databricks.WorkspaceClientSecret, cfg.Databricks.WorkspaceOAuthScopes, nil)
	accountTokens := auth.NewOIDCCredentials(accountURL+"/oidc/accounts/"+cfg.Databricks.AccountID+"/v1/token",
		cfg.Databricks.AccountClientID, cfg.Databricks.AccountClientSecret, cfg.Databricks.AccountOAuthScopes, nil)

	storage := azure.NewClient(azure.Config{
		SubscriptionID:        cfg.Azure.SubscriptionID,
		ResourceGroup:         cfg.Azure.ResourceGroup,
		StorageAccount:        cfg.Azure.StorageAccount,
		Location:              cfg.Azure.Location,
		IdentityResourceGroup: cfg.Azure.IdentityResourceGroup,
		AccessConnectorID:     cfg.Databricks.AccessConnectorID,
		DNSSuffix:             cfg.Azure.DataPlaneDNSSuffix,
	}, armTokens, nil, logger, metrics)

	directory := entra.NewClient(cfg.Identity.GraphURL, graphTokens, nil, logger, metrics)

	governance := databricks.NewClient(databricks.Config{
		AccountID:    cfg.Databricks.AccountID,
		AccountURL:   accountURL,
		WorkspaceURL: workspaceURL,
		StorageRoot:  cfg.Databricks.StorageRoot,
	}, accountTokens, workspaceTokens, nil, logger, metrics)

	warehouse, warehouseDB, err := snowflake.Open(snowflake.Config{
		Account:   cfg.Snowflake.Account,
		User:      cfg.Snowflake.User,
		Password:  cfg.Snowflake.Password,
		Role:      cfg.Snowflake.Role,
		Warehouse: cfg.Snowflake.Warehouse,
		Database:  cfg.Snowflake.Database,
		Schema:    cfg.Snowflake.Schema,
	}, logger, metrics)
	if err != nil {
		_ = store.Close()
		return nil, exitf(2, "connecting to warehouse: %v", err)
	}

	policy := naming.Policy{
		Prefix:                cfg.Naming.Prefix,
		Separator:             cfg.Naming.Separator,
		StorageAccount:        cfg.Azure.StorageAccount,
		DNSSuffix:             cfg.Azure.DataPlaneDNSSuffix,
		SubscriptionID:        cfg.Azure.SubscriptionID,
		IdentityResourceGroup: cfg.Azure.IdentityResourceGroup,
	}

	scopes := cfg.Databricks.WorkspaceOAuthScopes
	if len(scopes) == 0 {
		scopes = []string{"all-apis"}
	}

	orchestrator := provision.NewOrchestrator(provision.OrchestratorConfig{
		Naming:     policy,
		Store:      store,
		Storage:    storage,
		Directory:  directory,
		Governance: governance,
		Warehouse:  warehouse,
		Settings: provision.Settings{
			TenantID:           cfg.Azure.TenantID,
			AccessConnectorID:  cfg.Databricks.AccessConnectorID,
			StorageRoot:        cfg.Databricks.StorageRoot,
			CatalogURI:         workspaceURL + "/api/2.1/unity-catalog/iceberg",
			OAuthTokenEndpoint: workspaceURL + "/oidc/v1/token",
			OAuthScopes:        scopes,
			CatalogSource:      cfg.Snowflake.CatalogSource,
			TableFormat:        cfg.Snowflake.TableFormat,
			NamespaceMode:      cfg.Snowflake.NamespaceMode,
			NamespaceDelimiter: cfg.Snowflake.NamespaceDelimiter,
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	return &app{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		store:        store,
		warehouseDB:  warehouseDB,
		stopTracing:  stopTracing,
	}, nil
}

// close releases the state store, warehouse connection, and tracer.
func (a *app) close(ctx context.Context) {
	if a.warehouseDB != nil {
		if err := a.warehouseDB.Close(); err != nil {
			a.logger.WithError(err).Warn("closing warehouse connection")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("closing state store")
		}
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.logger.WithError(err).Warn("flushing traces")
		}
	}
}
