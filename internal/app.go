// Package internal contains core application wiring
package internal

import (
	"fmt"
	"log/slog"

	"sitepulse/internal/config"
	"sitepulse/internal/database"
	"sitepulse/internal/logging"
	"sitepulse/internal/provider"
	"sitepulse/internal/runner"
	"sitepulse/internal/tenants"
)

// Application bundles one tenant's wired components: configuration, tenant
// scope, database and provider client.
type Application struct {
	Config    *config.Config
	Tenant    *tenants.Tenant
	Logger    *slog.Logger
	DBManager *database.DBManager
	Provider  *provider.Client
}

// NewApp creates an application scoped to the named tenant.
func NewApp(tenantName string) (*Application, error) {
	cfg := config.GetConfig()

	tenant, err := tenants.Load(cfg.TenantsDirectory, tenantName)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(cfg)

	dbManager := database.NewDBManager(cfg, tenant.DatabasePath(), logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database for tenant %s: %w", tenant.Name, err)
	}

	client := provider.NewClient(cfg.ProviderBaseURL, tenant.AccessToken,
		cfg.FetchThrottleDelay(), cfg.FetchTimeout())

	return &Application{
		Config:    cfg,
		Tenant:    tenant,
		Logger:    logger,
		DBManager: dbManager,
		Provider:  client,
	}, nil
}

// NewRunner creates a fetch runner bound to the application's tenant.
func (a *Application) NewRunner() *runner.Runner {
	return runner.New(a.DBManager.GetConnection(), a.Provider, a.Logger)
}

// Shutdown releases the application's resources.
func (a *Application) Shutdown() error {
	db := a.DBManager.GetConnection()
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	return sqlDB.Close()
}
