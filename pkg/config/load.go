package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// Defaults applied when the YAML leaves a field empty.
const (
	DefaultStatePath          = "./state/lakeforge.db"
	DefaultSeparator          = "-"
	DefaultGraphURL           = "https://graph.microsoft.com/v1.0"
	DefaultDNSSuffix          = "dfs.core.windows.net"
	DefaultCatalogSource      = "ICEBERG_REST"
	DefaultTableFormat        = "ICEBERG"
	DefaultNamespaceMode      = "FLATTEN_NESTED_NAMESPACE"
	DefaultNamespaceDelimiter = "-"
)

// Load reads, normalizes and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Telemetry: telemetry.DefaultConfig(),
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	normalize(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize trims whitespace from every string field and clears template
// placeholders of the form <...> so they count as unset.
func normalize(cfg *Config) {
	walkStrings(reflect.ValueOf(cfg).Elem(), func(s string) string {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
			return ""
		}
		return s
	})
}

func walkStrings(v reflect.Value, fn func(string) string) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(fn(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			walkStrings(v.Field(i), fn)
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			walkStrings(v.Index(i), fn)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.State.Path == "" {
		cfg.State.Path = DefaultStatePath
	}
	if cfg.Naming.Separator == "" {
		cfg.Naming.Separator = DefaultSeparator
	}
	if cfg.Identity.GraphURL == "" {
		cfg.Identity.GraphURL = DefaultGraphURL
	}
	if cfg.Azure.DataPlaneDNSSuffix == "" {
		cfg.Azure.DataPlaneDNSSuffix = DefaultDNSSuffix
	}
	if cfg.Snowflake.CatalogSource == "" {
		cfg.Snowflake.CatalogSource = DefaultCatalogSource
	}
	if cfg.Snowflake.TableFormat == "" {
		cfg.Snowflake.TableFormat = DefaultTableFormat
	}
	if cfg.Snowflake.NamespaceMode == "" {
		cfg.Snowflake.NamespaceMode = DefaultNamespaceMode
	}
	if cfg.Snowflake.NamespaceDelimiter == "" {
		cfg.Snowflake.NamespaceDelimiter = DefaultNamespaceDelimiter
	}
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if utf8.RuneCountInString(cfg.Naming.Separator) > 1 {
		return fmt.Errorf("invalid config: naming.separator must be at most one character, got %q", cfg.Naming.Separator)
	}
	if !strings.Contains(cfg.Databricks.AccountURL, "accounts") {
		return fmt.Errorf("invalid config: databricks.account_url %q does not look like an account console URL", cfg.Databricks.AccountURL)
	}
	if strings.TrimRight(cfg.Databricks.AccountURL, "/") == strings.TrimRight(cfg.Databricks.WorkspaceURL, "/") {
		return fmt.Errorf("invalid config: databricks.account_url must differ from databricks.workspace_url")
	}
	return nil
}
