// main.go - Sitepulse command-line tool
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"sitepulse/internal"
	"sitepulse/internal/metrics"
	"sitepulse/internal/results"
	"sitepulse/internal/runner"
	"sitepulse/internal/schedule"
	"sitepulse/internal/seeder"
	"sitepulse/internal/settings"
	"sitepulse/internal/sites"
	"sitepulse/internal/timeframe"
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given args
	Execute(ctx context.Context, args []string) error
}

// The set of available commands
var commands = []Command{
	&FetchCommand{},
	&ScheduleCommand{},
	&MigrateCommand{},
	&SeedCommand{},
	&StatusCommand{},
	&ClearMonthCommand{},
	&HelpCommand{},
}

func main() {
	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, shutting down...", sig)
		cancel()
	}()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	if err := cmd.Execute(ctx, args); err != nil {
		log.Fatalf("Command failed: %v", err)
	}
}

// FetchCommand runs the monthly fetch for one tenant
type FetchCommand struct{}

// Name returns the command name
func (c *FetchCommand) Name() string {
	return "fetch"
}

// Description returns the command description
func (c *FetchCommand) Description() string {
	return "Fetches and persists one month of metrics for a tenant"
}

// Execute implements the fetch command
func (c *FetchCommand) Execute(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <tenant> <date>\n\n"+
			"tenant = the tenant to fetch data for\n"+
			"date   = a date like 2016-04-01 selecting the report month; supply the day even though it is ignored", c.Name())
	}

	month, err := timeframe.ParseMonth(args[1])
	if err != nil {
		return err
	}

	app, err := internal.NewApp(args[0])
	if err != nil {
		return err
	}
	defer app.Shutdown()

	report, err := app.NewRunner().Run(ctx, month)
	if err != nil {
		return err
	}

	fmt.Printf("Finished at %s after %s\n\n",
		report.FinishedAt.Format("2006-01-02 15:04:05"), report.Elapsed().Round(time.Millisecond))

	fmt.Println("Final report:")
	if err := runner.WriteReportCSV(os.Stdout, report.Rows); err != nil {
		return err
	}
	return nil
}

// ScheduleCommand keeps a resident process fetching each finished month
type ScheduleCommand struct{}

func (c *ScheduleCommand) Name() string { return "schedule" }
func (c *ScheduleCommand) Description() string {
	return "Runs the monthly fetch for a tenant on a cron schedule"
}

func (c *ScheduleCommand) Execute(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <tenant>", c.Name())
	}

	app, err := internal.NewApp(args[0])
	if err != nil {
		return err
	}
	defer app.Shutdown()

	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	scheduler := schedule.NewScheduler(app.NewRunner(), app.Logger, app.Config.ScheduleSpec)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start schedule: %w", err)
	}

	<-ctx.Done()
	scheduler.Stop()
	return nil
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations for a tenant" }

func (c *MigrateCommand) Execute(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <tenant>", c.Name())
	}

	app, err := internal.NewApp(args[0])
	if err != nil {
		return err
	}
	defer app.Shutdown()

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migrations completed successfully")
	return nil
}

// SeedCommand populates the tenant DB with sample reference data
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Seeds a tenant database with sample data" }

func (c *SeedCommand) Execute(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <tenant>", c.Name())
	}

	app, err := internal.NewApp(args[0])
	if err != nil {
		return err
	}
	defer app.Shutdown()

	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return seeder.NewSeeder(app.DBManager, app.Logger).Run(ctx)
}

// StatusCommand shows the tenant database status
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current tenant status" }

func (c *StatusCommand) Execute(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <tenant>", c.Name())
	}

	app, err := internal.NewApp(args[0])
	if err != nil {
		return err
	}
	defer app.Shutdown()

	db := app.DBManager.GetConnection()

	var siteCount, metricCount, valueCount int64
	if err := db.Model(&sites.Site{}).Count(&siteCount).Error; err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	db.Model(&metrics.Definition{}).Count(&metricCount)
	db.Model(&results.ComputedValue{}).Count(&valueCount)

	lastRun, _ := settings.GetSetting(db, settings.KeyLastSuccessfulRun)
	lastMonth, _ := settings.GetSetting(db, settings.KeyLastSuccessfulMonth)

	log.Printf("Tenant %s:", app.Tenant.Name)
	log.Println("- Database: Connected")
	log.Printf("- Sites: %d", siteCount)
	log.Printf("- Metric definitions: %d", metricCount)
	log.Printf("- Computed values: %d", valueCount)
	if lastRun != "" {
		log.Printf("- Last successful run: %s (month %s)", lastRun, lastMonth)
	}
	return nil
}

// ClearMonthCommand removes a month's rows and claim so a failed or stale
// run can be redone. This is the deliberate operator path; runs themselves
// never delete data.
type ClearMonthCommand struct{}

func (c *ClearMonthCommand) Name() string { return "clear-month" }
func (c *ClearMonthCommand) Description() string {
	return "Deletes a month's computed values and claim so it can be re-fetched"
}

func (c *ClearMonthCommand) Execute(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <tenant> <date>", c.Name())
	}

	month, err := timeframe.ParseMonth(args[1])
	if err != nil {
		return err
	}

	app, err := internal.NewApp(args[0])
	if err != nil {
		return err
	}
	defer app.Shutdown()

	db := app.DBManager.GetConnection()
	err = sqlite.PerformWrite(app.Logger, db, func(tx *gorm.DB) error {
		return tx.Where("month = ?", month.Date()).Delete(&results.ComputedValue{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to clear computed values for %s: %w", month, err)
	}
	if err := results.ReleaseClaim(app.Logger, db, month); err != nil {
		return err
	}

	log.Printf("Cleared computed values and claim for %s", month)
	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, args []string) error {
	printUsage()
	return nil
}

// Helper functions

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := os.Args[1:]
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: sitepulse [command] [args...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage()
	os.Exit(1)
}
