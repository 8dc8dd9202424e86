// Package naming centralizes the resource naming conventions used across
// every subsystem a datasource touches. All derived names funnel through a
// single Policy so that creation and teardown agree on identifiers even when
// no state record survives.
package naming

import (
	"regexp"
	"strings"
)

// MaxLength is the tightest name-length constraint across the underlying
// systems (Azure storage containers cap at 63 characters).
const MaxLength = 63

var (
	invalidChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDash = regexp.MustCompile(`-+`)
)

// Policy derives canonical resource identifiers from user-supplied names.
type Policy struct {
	// Prefix is an optional global prefix applied to every normalized name.
	Prefix string

	// Separator joins the prefix and the base name. At most one character.
	Separator string

	// StorageAccount is the Azure storage account hosting containers.
	StorageAccount string

	// DNSSuffix is the data-plane DNS suffix for ADLS Gen2 endpoints.
	DNSSuffix string

	// SubscriptionID and IdentityResourceGroup locate managed identities
	// when a resource ID has to be reconstructed from conventions alone.
	SubscriptionID        string
	IdentityResourceGroup string
}

// Normalize derives the canonical identifier for a raw datasource name:
// lowercase, restricted to [a-z0-9-], dashes collapsed and trimmed, optional
// prefix applied, truncated to MaxLength.
//
// Truncation can cut through the separator or leave a partial trailing
// segment; callers must not assume Normalize is idempotent for inputs long
// enough to truncate.
func (p Policy) Normalize(raw string) string {
	candidate := strings.ToLower(raw)
	candidate = invalidChars.ReplaceAllString(candidate, "-")
	candidate = repeatedDash.ReplaceAllString(candidate, "-")
	candidate = strings.Trim(candidate, "-")
	qualified := p.Qualify(candidate)
	if len(qualified) > MaxLength {
		qualified = qualified[:MaxLength]
	}
	return qualified
}

// Qualify joins the global prefix (if any) to an already-normalized base.
func (p Policy) Qualify(base string) string {
	if p.Prefix == "" {
		return base
	}
	return p.Prefix + p.Separator + base
}

// ReadWriteGroup returns the read-write group name for a datasource.
func ReadWriteGroup(name string) string {
	return name + "-rw"
}

// ReadOnlyGroup returns the read-only group name for a datasource.
func ReadOnlyGroup(name string) string {
	return name + "-ro"
}

// ReadOnlyFromReadWrite derives the read-only group name from a stored
// read-write group name, falling back to the datasource name when the stored
// value does not carry a recognizable suffix.
func ReadOnlyFromReadWrite(groupName, fallback string) string {
	for _, suffix := range []string{"-rw", "_rw"} {
		if strings.HasSuffix(groupName, suffix) {
			return groupName[:len(groupName)-len(suffix)] + "-ro"
		}
	}
	return fallback + "-ro"
}

// ContainerURL returns the abfss URL for a datasource's container.
func (p Policy) ContainerURL(name string) string {
	return "abfss://" + name + "@" + p.StorageAccount + "." + p.DNSSuffix + "/"
}

// IdentityResourceID reconstructs the ARM resource ID of the user-assigned
// managed identity that conventions place alongside a datasource.
func (p Policy) IdentityResourceID(name string) string {
	return "/subscriptions/" + p.SubscriptionID +
		"/resourceGroups/" + p.IdentityResourceGroup +
		"/providers/Microsoft.ManagedIdentity/userAssignedIdentities/" + name
}

// ExtractContainer parses the container name out of an abfss URL. Plain
// values pass through unchanged so stored container names keep working.
func ExtractContainer(url string) string {
	if url == "" {
		return ""
	}
	rest, ok := strings.CutPrefix(url, "abfss://")
	if !ok {
		return url
	}
	if at := strings.Index(rest, "@"); at >= 0 {
		return rest[:at]
	}
	return rest
}

// ExtractIdentityName returns the trailing segment of an ARM resource ID,
// or the fallback when the ID is empty.
func ExtractIdentityName(resourceID, fallback string) string {
	if resourceID == "" {
		return fallback
	}
	segments := strings.Split(strings.TrimSuffix(resourceID, "/"), "/")
	return segments[len(segments)-1]
}

// AzureStorageBaseURL rewrites a https blob URL into the azure:// form
// Snowflake external volumes expect, with a trailing slash.
func AzureStorageBaseURL(blobURL string) string {
	base := blobURL
	if rest, ok := strings.CutPrefix(blobURL, "https://"); ok {
		base = "azure://" + rest
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// LinkedDatabase returns the warehouse-side catalog-linked database name for
// a datasource. Snowflake identifiers cannot carry dashes unquoted, so they
// become underscores.
func LinkedDatabase(name string) string {
	return underscored(name) + "_linked_db"
}

// ExternalVolume returns the warehouse external volume name for a datasource.
func ExternalVolume(name string) string {
	return underscored(name)
}

// CatalogIntegration returns the warehouse catalog integration name for a
// datasource.
func CatalogIntegration(name string) string {
	return underscored(name) + "_catalog_integration"
}

// SecretName returns the name under which the governance-side OAuth secret
// for a datasource is registered.
func SecretName(name string) string {
	return name
}

func underscored(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
