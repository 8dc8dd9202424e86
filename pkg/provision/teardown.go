package provision

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lakeforge/lakeforge/pkg/naming"
)

// Subsystem labels used in deletion outcomes and metrics.
const (
	SubsystemWarehouse  = "warehouse"
	SubsystemGovernance = "governance"
	SubsystemDirectory  = "directory"
	SubsystemStorage    = "storage"
)

// Delete tears down every resource belonging to a datasource, one
// subsystem at a time. Individual failures never abort the overall
// operation; they are collected into per-subsystem outcomes. The state
// record is removed only when every subsystem cleaned up fully.
func (o *Orchestrator) Delete(ctx context.Context, inputName string) DatasourceDeletionResult {
	normalized := o.naming.Normalize(inputName)
	log := o.logger.WithDatasource(normalized)

	ctx, span := o.tracer.StartSpan(ctx, "datasource.delete", attribute.String("datasource", normalized))
	defer span.End()

	result := DatasourceDeletionResult{
		InputName:      inputName,
		NormalizedName: normalized,
	}

	record, storedKey, err := o.resolveRecord(ctx, inputName, normalized)
	if err != nil {
		log.WithError(err).Warn("state lookup failed, falling back to inferred identifiers")
	}
	if record != nil {
		result.StateFound = true
		result.StateRecordName = storedKey
	} else {
		log.Info("no state record found, deleting from naming conventions")
		record = o.inferRecord(ctx, normalized)
	}

	res := record.Resources
	fillResourceDefaults(o.naming, normalized, &res)

	result.Warehouse = o.teardownWarehouse(ctx, res)
	result.Governance = o.teardownGovernance(ctx, normalized, res)
	result.Directory = o.teardownDirectory(ctx, normalized, res)
	result.Storage = o.teardownStorage(ctx, normalized, res)

	o.metrics.DeletionOutcome(SubsystemWarehouse, result.Warehouse.Succeeded)
	o.metrics.DeletionOutcome(SubsystemGovernance, result.Governance.Succeeded)
	o.metrics.DeletionOutcome(SubsystemDirectory, result.Directory.Succeeded)
	o.metrics.DeletionOutcome(SubsystemStorage, result.Storage.Succeeded)

	if result.FullyCleaned() && result.StateFound {
		removed, err := o.store.Delete(ctx, storedKey)
		if err != nil {
			log.WithError(err).Error("resources cleaned up but state record removal failed")
		} else {
			result.StateDeleted = removed
		}
	} else if !result.FullyCleaned() && result.StateFound {
		log.Warn("leaving state record in place so a retry can resume from persisted identifiers")
	}

	return result
}

// inferRecord reconstructs a lifecycle record from naming conventions
// alone, used when no persisted record exists. The directory application
// lookup is best-effort; an unresolvable service principal stays empty.
func (o *Orchestrator) inferRecord(ctx context.Context, normalized string) *DatasourceRecord {
	res := DatasourceResources{}
	fillResourceDefaults(o.naming, normalized, &res)

	if app, ok, err := o.directory.FindApplication(ctx, normalized); err == nil && ok {
		res.ServicePrincipalAppID = app.AppID
	}

	return &DatasourceRecord{
		Request:   DatasourceRequest{Name: normalized},
		Resources: res,
	}
}

// fillResourceDefaults fills any empty resource identifiers from naming
// conventions so teardown of partial or inferred records still targets
// the right remote objects.
func fillResourceDefaults(policy naming.Policy, normalized string, res *DatasourceResources) {
	if res.ContainerURL == "" {
		res.ContainerURL = policy.ContainerURL(normalized)
	}
	if res.ManagedIdentityID == "" {
		res.ManagedIdentityID = policy.IdentityResourceID(normalized)
	}
	if res.StorageCredentialName == "" {
		res.StorageCredentialName = normalized
	}
	if res.ExternalLocationName == "" {
		res.ExternalLocationName = normalized
	}
	if res.CatalogName == "" {
		res.CatalogName = normalized
	}
	if res.GroupName == "" {
		res.GroupName = naming.ReadWriteGroup(normalized)
	}
	if res.SnowflakeExternalVolumeName == "" {
		res.SnowflakeExternalVolumeName = naming.ExternalVolume(normalized)
	}
	if res.SnowflakeCatalogIntegrationName == "" {
		res.SnowflakeCatalogIntegrationName = naming.CatalogIntegration(normalized)
	}
	if res.SnowflakeDatabaseName == "" {
		res.SnowflakeDatabaseName = naming.LinkedDatabase(normalized)
	}
}

// teardownStep is one labeled unit of subsystem teardown, consumed by the
// generic attempt-and-collect executor.
type teardownStep struct {
	label string
	run   func(ctx context.Context) error
}

// runTeardown executes every step regardless of earlier failures,
// collecting notes and errors into one aggregate outcome. A not-found
// result is success with a note.
func (o *Orchestrator) runTeardown(ctx context.Context, subsystem string, steps []teardownStep) DeletionOutcome {
	log := o.logger.WithSubsystem(subsystem)

	var entries []string
	succeeded := true
	for _, step := range steps {
		err := step.run(ctx)
		switch {
		case err == nil:
			entries = append(entries, step.label+": ok")
		case IsNotFound(err):
			entries = append(entries, step.label+": not found")
		default:
			succeeded = false
			o.metrics.ErrorObserved(string(ClassOf(err)))
			log.WithError(err).Errorf("teardown step %s failed", step.label)
			entries = append(entries, fmt.Sprintf("%s: failed (%v)", step.label, err))
		}
	}

	return DeletionOutcome{
		Succeeded: succeeded,
		Message:   strings.Join(entries, "; "),
	}
}

func (o *Orchestrator) teardownWarehouse(ctx context.Context, res DatasourceResources) DeletionOutcome {
	return o.runTeardown(ctx, SubsystemWarehouse, []teardownStep{
		{label: "drop linked objects", run: func(ctx context.Context) error {
			summary, err := o.warehouse.DropDatasourceObjects(ctx,
				res.SnowflakeDatabaseName,
				res.SnowflakeCatalogIntegrationName,
				res.SnowflakeExternalVolumeName)
			if err != nil {
				return err
			}
			o.logger.WithSubsystem(SubsystemWarehouse).
				WithField("database_dropped", summary.DatabaseDropped).
				WithField("integration_dropped", summary.IntegrationDropped).
				WithField("volume_dropped", summary.VolumeDropped).
				Debug("warehouse objects dropped")
			return nil
		}},
	})
}

func (o *Orchestrator) teardownGovernance(ctx context.Context, normalized string, res DatasourceResources) DeletionOutcome {
	rwGroup := res.GroupName
	roGroup := naming.ReadOnlyFromReadWrite(rwGroup, normalized)

	steps := []teardownStep{
		{label: "tables and schemas", run: func(ctx context.Context) error {
			return o.dropCatalogContents(ctx, res.CatalogName)
		}},
		{label: "catalog", run: func(ctx context.Context) error {
			return o.governance.DeleteCatalog(ctx, res.CatalogName)
		}},
		{label: "external location", run: func(ctx context.Context) error {
			return o.governance.DeleteExternalLocation(ctx, res.ExternalLocationName)
		}},
		{label: "storage credential", run: func(ctx context.Context) error {
			return o.governance.DeleteStorageCredential(ctx, res.StorageCredentialName)
		}},
	}

	if res.ServicePrincipalAppID != "" {
		steps = append(steps, teardownStep{label: "service principal", run: func(ctx context.Context) error {
			return o.governance.DeleteServicePrincipal(ctx, res.ServicePrincipalAppID)
		}})
	}

	// The managed identity's mirrored account principal is registered
	// under the identity's client ID, recovered best-effort from storage.
	identityName := naming.ExtractIdentityName(res.ManagedIdentityID, normalized)
	steps = append(steps, teardownStep{label: "identity service principal", run: func(ctx context.Context) error {
		identity, ok, err := o.storage.GetIdentity(ctx, identityName)
		if err != nil || !ok {
			return NewNotFoundError("managed identity not resolvable, skipping mirrored principal", err)
		}
		return o.governance.DeleteServicePrincipal(ctx, identity.ClientID)
	}})

	steps = append(steps,
		teardownStep{label: "read-write group", run: func(ctx context.Context) error {
			return o.governance.DeleteGroup(ctx, rwGroup)
		}},
		teardownStep{label: "read-only group", run: func(ctx context.Context) error {
			return o.governance.DeleteGroup(ctx, roGroup)
		}},
	)

	return o.runTeardown(ctx, SubsystemGovernance, steps)
}

// dropCatalogContents deletes every table and schema beneath a catalog so
// the catalog itself can be removed.
func (o *Orchestrator) dropCatalogContents(ctx context.Context, catalog string) error {
	schemas, err := o.governance.ListSchemas(ctx, catalog)
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return fmt.Errorf("listing schemas of %s: %w", catalog, err)
	}

	var failures []string
	for _, schema := range schemas {
		if strings.EqualFold(schema, "information_schema") {
			continue
		}
		tables, err := o.governance.ListTables(ctx, catalog, schema)
		if err != nil && !IsNotFound(err) {
			failures = append(failures, fmt.Sprintf("list tables %s.%s: %v", catalog, schema, err))
			continue
		}
		for _, table := range tables {
			fullName := catalog + "." + schema + "." + table
			if err := o.governance.DeleteTable(ctx, fullName); err != nil && !IsNotFound(err) {
				failures = append(failures, fmt.Sprintf("table %s: %v", fullName, err))
			}
		}
		if err := o.governance.DeleteSchema(ctx, catalog+"."+schema); err != nil && !IsNotFound(err) {
			failures = append(failures, fmt.Sprintf("schema %s.%s: %v", catalog, schema, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("emptying catalog %s: %s", catalog, strings.Join(failures, "; "))
	}
	return nil
}

func (o *Orchestrator) teardownDirectory(ctx context.Context, normalized string, res DatasourceResources) DeletionOutcome {
	steps := []teardownStep{
		{label: "access group", run: func(ctx context.Context) error {
			return o.directory.DeleteGroup(ctx, res.GroupName)
		}},
	}
	if res.ServicePrincipalAppID != "" {
		steps = append(steps, teardownStep{label: "service principal", run: func(ctx context.Context) error {
			return o.directory.DeleteServicePrincipal(ctx, res.ServicePrincipalAppID)
		}})
	}
	steps = append(steps, teardownStep{label: "application", run: func(ctx context.Context) error {
		return o.directory.DeleteApplication(ctx, normalized)
	}})
	return o.runTeardown(ctx, SubsystemDirectory, steps)
}

func (o *Orchestrator) teardownStorage(ctx context.Context, normalized string, res DatasourceResources) DeletionOutcome {
	containerName := naming.ExtractContainer(res.ContainerURL)
	identityName := naming.ExtractIdentityName(res.ManagedIdentityID, normalized)

	return o.runTeardown(ctx, SubsystemStorage, []teardownStep{
		{label: "role assignments", run: func(ctx context.Context) error {
			return o.storage.RemoveRoleAssignments(ctx, containerName)
		}},
		{label: "access connector", run: func(ctx context.Context) error {
			return o.storage.DetachIdentityFromConnector(ctx, res.ManagedIdentityID)
		}},
		{label: "managed identity", run: func(ctx context.Context) error {
			return o.storage.DeleteIdentity(ctx, identityName)
		}},
		{label: "container", run: func(ctx context.Context) error {
			return o.storage.DeleteContainer(ctx, containerName)
		}},
	})
}
