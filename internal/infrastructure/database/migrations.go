package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Migration is one schema change shipped with tsrd. Files are named
// YYYYMMDD_HHMMSS_name.up.sql with an optional matching .down.sql.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// Reversible reports whether the migration can be rolled back.
func (m Migration) Reversible() bool { return m.Down != "" }

// MigrationState is a migration as seen by the running database.
type MigrationState struct {
	Version    string     `json:"version"`
	Name       string     `json:"name"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
	Reversible bool       `json:"reversible"`
}

// MigrationStatus summarises the schema of the report store. It is served
// by GET /api/v1/system and printed by `tsrd migrate status`.
type MigrationStatus struct {
	// Current is the newest applied version, empty on a fresh database.
	Current string           `json:"current"`
	Applied []MigrationState `json:"applied"`
	Pending []MigrationState `json:"pending"`
}

// UpToDate is true when nothing is pending.
func (s MigrationStatus) UpToDate() bool { return len(s.Pending) == 0 }

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`

// Migrate applies every pending migration, oldest first. Each migration
// commits on its own, so a failure leaves the earlier ones in place and a
// rerun continues from the one that failed.
func (db *DB) Migrate(ctx context.Context) error {
	set, applied, err := db.migrationState(ctx)
	if err != nil {
		return err
	}
	for _, m := range set {
		if _, done := applied[m.Version]; done {
			continue
		}
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts up to steps applied migrations, newest first, and
// returns the versions it reverted. It stops at the first migration that
// has no down SQL.
func (db *DB) Rollback(ctx context.Context, steps int) ([]string, error) {
	if steps < 1 {
		return nil, fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	set, applied, err := db.migrationState(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]Migration, len(set))
	for _, m := range set {
		byVersion[m.Version] = m
	}

	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	var reverted []string
	for _, v := range versions {
		if len(reverted) == steps {
			break
		}
		m, ok := byVersion[v]
		if !ok {
			return reverted, fmt.Errorf("migration %s is applied but not shipped", v)
		}
		if !m.Reversible() {
			return reverted, fmt.Errorf("migration %s (%s) has no down SQL", m.Version, m.Name)
		}
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
			return err
		})
		if err != nil {
			return reverted, fmt.Errorf("reverting migration %s (%s): %w", m.Version, m.Name, err)
		}
		reverted = append(reverted, m.Version)
	}
	return reverted, nil
}

// MigrationStatus lists applied and pending migrations.
func (db *DB) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	set, applied, err := db.migrationState(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	status := MigrationStatus{Applied: []MigrationState{}, Pending: []MigrationState{}}
	for _, m := range set {
		st := MigrationState{Version: m.Version, Name: m.Name, Reversible: m.Reversible()}
		at, ok := applied[m.Version]
		if !ok {
			status.Pending = append(status.Pending, st)
			continue
		}
		st.AppliedAt = &at
		status.Applied = append(status.Applied, st)
		status.Current = m.Version
	}
	return status, nil
}

// migrationState loads the shipped migrations and the applied versions,
// creating the bookkeeping table on first use.
func (db *DB) migrationState(ctx context.Context) ([]Migration, map[string]time.Time, error) {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}
	set, err := readMigrations(db.migrations, db.migrationsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}
	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return set, applied, nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339, at) //nolint:errcheck // Written by Migrate
		applied[version] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return applied, nil
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// readMigrations returns the migrations in dir sorted by version. A down
// file without an up file is an error; other files are ignored.
func readMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations dir %q: %w", dir, err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, ok := splitMigrationFile(entry.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if up {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	set := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", m.Version)
		}
		set = append(set, *m)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Version < set[j].Version })
	return set, nil
}

// splitMigrationFile parses "20261019_120000_state_reports.up.sql" into
// version "20261019_120000", name "state_reports" and direction up.
func splitMigrationFile(file string) (version, name string, up, ok bool) {
	base, found := strings.CutSuffix(file, ".sql")
	if !found {
		return "", "", false, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return "", "", false, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 || len(parts[0]) != 8 || len(parts[1]) != 6 {
		return "", "", false, false
	}
	version = parts[0] + "_" + parts[1]
	name = version
	if len(parts) == 3 {
		name = parts[2]
	}
	return version, name, up, true
}
