package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// dialect holds what differs between the SQL backends when recording
// schema versions.
type dialect struct {
	dir       string
	table     string
	timestamp string
	insert    string
	appliedAt func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:       "migrations/sqlite",
		table:     "receipt_verifier_schema_migrations",
		timestamp: "TEXT",
		insert:    "INSERT INTO %s(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING",
		appliedAt: func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:       "migrations/postgres",
		table:     "receipt_verifier_schema_migrations",
		timestamp: "TIMESTAMPTZ",
		insert:    "INSERT INTO %s(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING",
		appliedAt: func(t time.Time) any { return t },
	},
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, errors.Errorf("unsupported db driver: %s", driver)
	}
	return d, nil
}

// Migrate applies the embedded schema files for driver in name order. Each
// file runs in its own transaction together with the row recording it, so
// a file is applied at most once even when several verifiers start at the
// same time.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return errors.New("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  version TEXT PRIMARY KEY,\n  applied_at %s NOT NULL\n)", d.table, d.timestamp)
	if _, err := db.Exec(create); err != nil {
		return errors.Wrap(err, "create migrations table")
	}

	versions, err := migrationVersions(d.dir)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, version := range versions {
		if err := applyMigration(db, d, version, now); err != nil {
			return errors.Wrapf(err, "apply migration %s", version)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, d dialect, version string, now time.Time) error {
	body, err := migrationsFS.ReadFile(path.Join(d.dir, version+".sql"))
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(fmt.Sprintf(d.insert, d.table), version, d.appliedAt(now))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}
	if _, err := tx.Exec(string(body)); err != nil {
		return err
	}
	return tx.Commit()
}

// AppliedMigrations lists the recorded schema versions in order.
func AppliedMigrations(db *sql.DB, driver DBDriver) ([]string, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(fmt.Sprintf("SELECT version FROM %s ORDER BY version", d.table))
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// migrationVersions returns the .sql file names under dir without their
// extension, sorted.
func migrationVersions(dir string) ([]string, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".sql"); ok && !e.IsDir() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
