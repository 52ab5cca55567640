package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/config"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/database"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/migrations"
)

const migrateUsage = "usage: tsrd migrate status | up | down [steps]"

// runMigrate manages the report store schema without starting the daemon:
//
//	tsrd migrate status     list applied and pending migrations
//	tsrd migrate up         apply pending migrations
//	tsrd migrate down [n]   revert the newest n migrations (default 1)
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(migrateUsage)
	}
	steps := 1
	switch args[0] {
	case "status", "up":
		if len(args) != 1 {
			return errors.New(migrateUsage)
		}
	case "down":
		if len(args) > 2 {
			return errors.New(migrateUsage)
		}
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
	default:
		return fmt.Errorf("unknown migrate command %q; %s", args[0], migrateUsage)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(database.ConfigFrom(cfg.Database, migrations.FS))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Process exits next

	switch args[0] {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	case "down":
		reverted, err := db.Rollback(ctx, steps)
		for _, v := range reverted {
			fmt.Fprintf(out, "reverted %s\n", v)
		}
		if err != nil {
			return fmt.Errorf("reverting migrations: %w", err)
		}
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	return printMigrationStatus(out, status)
}

func printMigrationStatus(out io.Writer, status database.MigrationStatus) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED\tREVERSIBLE")
	for _, m := range status.Applied {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.Version, m.Name, m.AppliedAt.Format("2006-01-02 15:04:05"), m.Reversible)
	}
	for _, m := range status.Pending {
		fmt.Fprintf(tw, "%s\t%s\tpending\t%t\n", m.Version, m.Name, m.Reversible)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	current := status.Current
	if current == "" {
		current = "none"
	}
	_, err := fmt.Fprintf(out, "current: %s, pending: %d\n", current, len(status.Pending))
	return err
}
