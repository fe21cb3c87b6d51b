package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"taskrelay/internal/db"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change, named NNNN_description.sql.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Applied is a row of the schema_migrations ledger.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.Glob(migrationsFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	migrations := make([]Migration, 0, len(entries))
	seen := map[int]string{}
	for _, entry := range entries {
		name := path.Base(entry)
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: expected NNNN_name.sql", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, v)
		}
		seen[v] = name
		body, err := migrationsFS.ReadFile(entry)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: name, UpSQL: string(body)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// statements splits a migration file into single statements. Migration files
// never carry semicolons inside literals.
func statements(src string) []string {
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`

// Migrate applies pending embedded migrations in one transaction and records
// each in schema_migrations.
func Migrate(conn *sql.DB, dialect db.Dialect) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ledgerDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	record := dialect.Rebind(`INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`)
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		for i, stmt := range statements(m.UpSQL) {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration %s statement %d: %w", m.Name, i+1, err)
			}
		}
		if _, err := tx.Exec(record, m.Version, m.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
	}
	return tx.Commit()
}

// Version reports the highest applied migration, 0 on a fresh database.
func Version(conn *sql.DB) (int, error) {
	var v int
	err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "schema_migrations") {
		return 0, nil
	}
	return v, err
}

// History lists applied migrations oldest first.
func History(conn *sql.DB) ([]Applied, error) {
	rows, err := conn.Query(`SELECT version,name,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		var at string
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return nil, err
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Pending lists embedded migrations newer than the applied version.
func Pending(conn *sql.DB) ([]Migration, error) {
	current, err := Version(conn)
	if err != nil {
		return nil, err
	}
	all, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, m := range all {
		if m.Version > current {
			out = append(out, m)
		}
	}
	return out, nil
}
