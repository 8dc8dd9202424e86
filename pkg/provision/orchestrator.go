package provision

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lakeforge/lakeforge/pkg/naming"
	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// CatalogPrivileges granted to the read-write group on a new catalog.
var CatalogPrivileges = []string{"ALL_PRIVILEGES", "EXTERNAL_USE_SCHEMA"}

// Settings carries the cross-subsystem wiring values the orchestrator
// threads between provisioners.
type Settings struct {
	// TenantID is the directory tenant external volumes authenticate to.
	TenantID string

	// AccessConnectorID is the governance access connector ARM resource ID
	// storage credentials authenticate through.
	AccessConnectorID string

	// StorageRoot is the default storage root for new catalogs.
	StorageRoot string

	// CatalogURI is the governance REST catalog endpoint warehouse catalog
	// integrations read from.
	CatalogURI string

	// OAuthTokenEndpoint and OAuthScopes configure the client-credential
	// flow the warehouse uses against the governance catalog.
	OAuthTokenEndpoint string
	OAuthScopes        []string

	// CatalogSource and TableFormat for warehouse catalog integrations.
	CatalogSource string
	TableFormat   string

	// NamespaceMode and NamespaceDelimiter for catalog-linked databases.
	NamespaceMode      string
	NamespaceDelimiter string
}

// OrchestratorConfig wires an Orchestrator's collaborators.
type OrchestratorConfig struct {
	Naming     naming.Policy
	Store      RecordStore
	Storage    StorageProvisioner
	Directory  DirectoryProvisioner
	Governance GovernanceProvisioner
	Warehouse  WarehouseProvisioner
	Settings   Settings
	Logger     *telemetry.Logger
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
}

// Orchestrator sequences datasource provisioning and teardown across the
// four subsystems, persisting a lifecycle record after every attempt.
type Orchestrator struct {
	naming     naming.Policy
	store      RecordStore
	storage    StorageProvisioner
	directory  DirectoryProvisioner
	governance GovernanceProvisioner
	warehouse  WarehouseProvisioner
	settings   Settings
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	now func() time.Time
}

// NewOrchestrator builds an orchestrator from its collaborators.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Orchestrator{
		naming:     cfg.Naming,
		store:      cfg.Store,
		storage:    cfg.Storage,
		directory:  cfg.Directory,
		governance: cfg.Governance,
		warehouse:  cfg.Warehouse,
		settings:   cfg.Settings,
		logger:     logger.Component("orchestrator"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		now:        time.Now,
	}
}

// Create provisions every resource a datasource needs and persists the
// resulting record. A record that already succeeded short-circuits with no
// remote calls. On failure the record is persisted with status failed and
// the error is returned.
func (o *Orchestrator) Create(ctx context.Context, request DatasourceRequest) (*DatasourceRecord, error) {
	name := o.naming.Normalize(request.Name)
	log := o.logger.WithDatasource(name)

	ctx, span := o.tracer.StartSpan(ctx, "datasource.create", attribute.String("datasource", name))
	defer span.End()

	prior, _, err := o.resolveRecord(ctx, request.Name, name)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Status == StatusSucceeded {
		log.Info("datasource already provisioned, returning stored record")
		return prior, nil
	}

	o.metrics.ProvisionStarted(name)
	tags := buildTags(request)

	resources, provErr := retryTransient(ctx, log, "datasource provisioning", func() (DatasourceResources, error) {
		return o.provisionOnce(ctx, name, tags, prior)
	})

	record := &DatasourceRecord{Request: request, Resources: resources}
	if provErr != nil {
		o.metrics.ErrorObserved(string(ClassOf(provErr)))
		record.MarkFailed(provErr)
		if saveErr := o.store.Save(ctx, name, record); saveErr != nil {
			log.WithError(saveErr).Error("failed to persist failed record")
		}
		o.metrics.ProvisionCompleted(StatusFailed)
		log.WithError(provErr).Error("datasource provisioning failed")
		return record, provErr
	}

	if record.Resources.CreatedAt.IsZero() {
		record.Resources.CreatedAt = o.now().UTC().Truncate(time.Second)
	}
	record.MarkSucceeded()
	if err := o.store.Save(ctx, name, record); err != nil {
		return record, err
	}
	o.metrics.ProvisionCompleted(StatusSucceeded)
	log.Info("datasource provisioned")
	return record, nil
}

// provisionOnce runs the full creation sequence. Resources accumulated
// before a failure are returned alongside the error so the persisted
// record stays resumable. Every step has ensure semantics, so the whole
// sequence is safe to repeat.
func (o *Orchestrator) provisionOnce(ctx context.Context, name string, tags map[string]string, prior *DatasourceRecord) (DatasourceResources, error) {
	res := DatasourceResources{}
	if prior != nil {
		res = prior.Resources
	}
	log := o.logger.WithDatasource(name)

	// Storage: container, managed identity, role assignment, connector.
	var container Container
	err := o.step("storage.container", func() error {
		var err error
		container, err = o.storage.EnsureContainer(ctx, name, tags)
		return err
	})
	if err != nil {
		return res, err
	}
	res.ContainerURL = container.URL

	var identity ManagedIdentity
	err = o.step("storage.identity", func() error {
		var err error
		identity, err = o.storage.EnsureIdentity(ctx, name, tags)
		if err != nil {
			return err
		}
		if err := o.storage.GrantStorageAccess(ctx, name, identity.PrincipalID); err != nil {
			return err
		}
		return o.storage.AttachIdentityToConnector(ctx, identity.ResourceID)
	})
	if err != nil {
		return res, err
	}
	res.ManagedIdentityID = identity.ResourceID

	// Directory: application, service principal, access group.
	var app Application
	var sp ServicePrincipal
	var group DirectoryGroup
	err = o.step("directory.principal", func() error {
		var err error
		app, err = o.directory.EnsureApplication(ctx, name)
		if err != nil {
			return err
		}
		sp, err = o.directory.EnsureServicePrincipal(ctx, app.AppID)
		if err != nil {
			return err
		}
		group, err = o.directory.EnsureGroup(ctx, naming.ReadWriteGroup(name), "Read-write access to datasource "+name)
		if err != nil {
			return err
		}
		if err := o.directory.AddGroupMember(ctx, group.ObjectID, sp.ObjectID); err != nil {
			return err
		}
		// Direct grant alongside the managed identity, so the service
		// principal can reach storage even if identity wiring lags.
		return o.storage.GrantStorageAccess(ctx, name, sp.ObjectID)
	})
	if err != nil {
		return res, err
	}
	res.GroupName = group.Name
	res.ServicePrincipalAppID = app.AppID

	// Directory secret: minting is not idempotent remotely, so a cached
	// value from a prior attempt is always reused.
	if res.ServicePrincipalClientSecret == "" {
		err = o.step("directory.secret", func() error {
			secret, err := o.directory.CreateApplicationSecret(ctx, app.ObjectID, naming.SecretName(name))
			if err != nil {
				return err
			}
			res.ServicePrincipalClientSecret = secret
			return nil
		})
		if err != nil {
			return res, err
		}
	} else {
		log.Debug("reusing cached directory client secret")
	}

	// Governance principals and groups.
	var acctSP AccountPrincipal
	var groups GovernanceGroupPair
	err = o.step("governance.principals", func() error {
		var err error
		acctSP, err = o.governance.EnsureAccountServicePrincipal(ctx, app.AppID, name)
		if err != nil {
			return err
		}
		if _, err := o.governance.EnsureAccountServicePrincipal(ctx, identity.ClientID, identity.Name); err != nil {
			return err
		}
		groups, err = o.governance.EnsureGroups(ctx, name)
		if err != nil {
			return err
		}
		return o.governance.AddPrincipalToGroup(ctx, groups.ReadWrite.InternalID, acctSP.InternalID)
	})
	if err != nil {
		return res, err
	}

	// Governance OAuth secret, same non-repetition rule.
	if res.DatabricksOAuthClientSecret == "" {
		err = o.step("governance.secret", func() error {
			secret, err := o.governance.CreateServicePrincipalSecret(ctx, acctSP.InternalID, naming.SecretName(name))
			if err != nil {
				return err
			}
			res.DatabricksOAuthClientSecret = secret
			return nil
		})
		if err != nil {
			return res, err
		}
	} else {
		log.Debug("reusing cached governance client secret")
	}

	// Governance storage plumbing: credential, external location, catalog.
	err = o.step("governance.catalog", func() error {
		if err := o.governance.EnsureStorageCredential(ctx, name, o.settings.AccessConnectorID); err != nil {
			return err
		}
		res.StorageCredentialName = name
		if err := o.governance.EnsureExternalLocation(ctx, name, res.ContainerURL, name); err != nil {
			return err
		}
		res.ExternalLocationName = name
		if err := o.governance.EnsureCatalog(ctx, name, o.settings.StorageRoot); err != nil {
			return err
		}
		res.CatalogName = name
		return o.governance.GrantCatalogPrivileges(ctx, name, groups.ReadWrite.Name, CatalogPrivileges)
	})
	if err != nil {
		return res, err
	}

	// Warehouse external volume.
	volumeName := naming.ExternalVolume(name)
	err = o.step("warehouse.volume", func() error {
		return o.warehouse.EnsureExternalVolume(ctx, ExternalVolumeSpec{
			Name:           volumeName,
			StorageBaseURL: naming.AzureStorageBaseURL("https://" + o.naming.StorageAccount + ".blob.core.windows.net/" + name),
			TenantID:       o.settings.TenantID,
		})
	})
	if err != nil {
		return res, err
	}
	res.SnowflakeExternalVolumeName = volumeName

	// Warehouse catalog integration. An in-use conflict means a linked
	// database still references the old integration: drop it, then retry
	// exactly once.
	integrationName := naming.CatalogIntegration(name)
	databaseName := naming.LinkedDatabase(name)
	integrationSpec := CatalogIntegrationSpec{
		Name:          integrationName,
		CatalogSource: o.settings.CatalogSource,
		TableFormat:   o.settings.TableFormat,
		CatalogURI:    o.settings.CatalogURI,
		CatalogName:   name,
		ClientID:      res.ServicePrincipalAppID,
		ClientSecret:  res.DatabricksOAuthClientSecret,
		TokenEndpoint: o.settings.OAuthTokenEndpoint,
		AllowedScopes: o.settings.OAuthScopes,
	}
	err = o.step("warehouse.integration", func() error {
		err := o.warehouse.EnsureCatalogIntegration(ctx, integrationSpec)
		if !IsInUse(err) {
			return err
		}
		log.Warn("catalog integration in use, dropping dependent database and retrying once")
		if _, dropErr := o.warehouse.DropDatasourceObjects(ctx, databaseName, "", ""); dropErr != nil {
			return dropErr
		}
		return o.warehouse.EnsureCatalogIntegration(ctx, integrationSpec)
	})
	if err != nil {
		return res, err
	}
	res.SnowflakeCatalogIntegrationName = integrationName

	// Warehouse catalog-linked database. Auth rejections surface as their
	// own class so operators know credentials, not timing, are at fault.
	err = o.step("warehouse.database", func() error {
		return o.warehouse.EnsureLinkedDatabase(ctx, LinkedDatabaseSpec{
			Name:               databaseName,
			CatalogIntegration: integrationName,
			ExternalVolume:     volumeName,
			NamespaceMode:      o.settings.NamespaceMode,
			NamespaceDelimiter: o.settings.NamespaceDelimiter,
		})
	})
	if err != nil {
		return res, err
	}
	res.SnowflakeDatabaseName = databaseName

	// Starter content is cosmetic only.
	if err := o.warehouse.PrimeLinkedDatabase(ctx, databaseName); err != nil {
		log.WithError(err).Warn("failed to prime linked database; continuing")
	}

	return res, nil
}

// step times a creation step and records its duration.
func (o *Orchestrator) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	o.metrics.ObserveStep(name, time.Since(start))
	if err != nil {
		return err
	}
	o.logger.WithField("step", name).Debug("creation step complete")
	return nil
}

// resolveRecord looks a record up under the normalized key, then the raw
// input key, then by scanning every stored record for a matching
// normalized name. Returns the record, the key it was stored under, and
// any store error other than not-found.
func (o *Orchestrator) resolveRecord(ctx context.Context, rawName, normalized string) (*DatasourceRecord, string, error) {
	for _, key := range dedupe(normalized, rawName) {
		record, err := o.store.Get(ctx, key)
		if err == nil {
			return record, key, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, "", err
		}
	}

	names, err := o.store.List(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, key := range names {
		if o.naming.Normalize(key) != normalized {
			continue
		}
		record, err := o.store.Get(ctx, key)
		if err == nil {
			return record, key, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, "", err
		}
	}
	return nil, "", nil
}

// buildTags stamps every provisioned resource with the datasource's
// requested name plus any caller-supplied labels.
func buildTags(request DatasourceRequest) map[string]string {
	tags := map[string]string{"datasource": request.Name}
	if request.Owner != "" {
		tags["owner"] = request.Owner
	}
	for k, v := range request.Labels {
		tags[k] = v
	}
	return tags
}

func dedupe(values ...string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
