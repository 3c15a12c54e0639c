// Package tenants loads per-tenant configuration files. Each tenant owns
// its own database file and provider credentials, isolated under
// <tenants-dir>/<name>/.
package tenants

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected tenant configuration file name.
const ConfigFileName = "tenant.yml"

// TenantNotFoundError represents an error when a tenant configuration
// cannot be located
type TenantNotFoundError struct {
	Name string
	Path string
}

func (e *TenantNotFoundError) Error() string {
	return fmt.Sprintf("tenant configuration not found for %q at: %s", e.Name, e.Path)
}

// NewTenantNotFoundError creates a new TenantNotFoundError
func NewTenantNotFoundError(name, path string) *TenantNotFoundError {
	return &TenantNotFoundError{Name: name, Path: path}
}

// Tenant holds one tenant's configuration
type Tenant struct {
	Name string `yaml:"-"`

	// DatabaseFile is the tenant's SQLite database, relative to the
	// tenant directory unless absolute.
	DatabaseFile string `yaml:"database"`

	// Provider credentials for the analytics API
	CredentialName string `yaml:"credential_name"`
	AccessToken    string `yaml:"access_token"`

	dir string
}

// Load reads and validates the configuration for the named tenant.
func Load(tenantsDir, name string) (*Tenant, error) {
	if name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}

	dir := filepath.Join(tenantsDir, name)
	path := filepath.Join(dir, ConfigFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewTenantNotFoundError(name, path)
		}
		return nil, fmt.Errorf("failed to read tenant configuration: %w", err)
	}

	tenant := &Tenant{Name: name, dir: dir}
	if err := yaml.Unmarshal(raw, tenant); err != nil {
		return nil, fmt.Errorf("failed to parse tenant configuration %s: %w", path, err)
	}

	if err := tenant.validate(); err != nil {
		return nil, fmt.Errorf("invalid tenant configuration %s: %w", path, err)
	}

	return tenant, nil
}

// validate checks the tenant configuration for errors
func (t *Tenant) validate() error {
	if t.DatabaseFile == "" {
		return fmt.Errorf("database is required")
	}
	if t.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	return nil
}

// DatabasePath returns the absolute path of the tenant's database file.
func (t *Tenant) DatabasePath() string {
	if filepath.IsAbs(t.DatabaseFile) {
		return t.DatabaseFile
	}
	return filepath.Join(t.dir, t.DatabaseFile)
}
