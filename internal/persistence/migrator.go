package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID serializes migrators of concurrent replicas.
const migrationLockID = 0x7065_7270_6f70

// Migration is one versioned pair of SQL files,
// {version}_{name}.up.sql and {version}_{name}.down.sql.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
	Checksum string // sha256 of the up file
}

// Migrator applies the migrations of one directory and records them in
// public.perpopt_migrations. An applied file whose checksum changed stops Up.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, log: logger}
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		all, err := LoadMigrations(m.dir)
		if err != nil {
			return err
		}
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			sum, done := applied[mig.Version]
			if done {
				if sum != mig.Checksum {
					return fmt.Errorf("migration %s was modified after it was applied", mig.UpFile)
				}
				continue
			}
			if err := m.exec(ctx, conn, mig.UpFile, `
				INSERT INTO public.perpopt_migrations (version, name, checksum) VALUES ($1, $2, $3)
			`, mig.Version, mig.Name, mig.Checksum); err != nil {
				return err
			}
			m.log.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("migration applied")
		}
		return nil
	})
}

// Down reverts the most recently applied migration. No-op when none is.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx, `
			SELECT version FROM public.perpopt_migrations ORDER BY version DESC LIMIT 1
		`).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Info().Msg("nothing to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		all, err := LoadMigrations(m.dir)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if mig.Version != version {
				continue
			}
			if mig.DownFile == "" {
				return fmt.Errorf("migration %s has no down file", version)
			}
			if err := m.exec(ctx, conn, mig.DownFile, `
				DELETE FROM public.perpopt_migrations WHERE version = $1
			`, version); err != nil {
				return err
			}
			m.log.Info().Str("version", version).Str("name", mig.Name).Msg("migration rolled back")
			return nil
		}
		return fmt.Errorf("applied migration %s not found in %s", version, m.dir)
	})
}

// Pending returns the up files not yet applied, in order.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	var pending []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		all, err := LoadMigrations(m.dir)
		if err != nil {
			return err
		}
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if _, ok := applied[mig.Version]; !ok {
				pending = append(pending, mig.UpFile)
			}
		}
		return nil
	})
	return pending, err
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.perpopt_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("migration table: %w", err)
	}
	return fn(conn)
}

// exec runs one SQL file and its bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...interface{}) error {
	body, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("%s bookkeeping: %w", file, err)
	}
	return tx.Commit()
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.perpopt_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}

// LoadMigrations pairs the up and down files of dir by version.
func LoadMigrations(dir string) ([]Migration, error) {
	ups, err := ListMigrations(dir, ".up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	downs, err := ListMigrations(dir, ".down.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	downByVersion := make(map[string]string, len(downs))
	for _, d := range downs {
		downByVersion[MigrationVersion(d)] = d
	}

	out := make([]Migration, 0, len(ups))
	for _, up := range ups {
		body, err := os.ReadFile(filepath.Join(dir, up))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		version := MigrationVersion(up)
		name := strings.TrimSuffix(strings.TrimPrefix(up, version+"_"), ".up.sql")
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			UpFile:   up,
			DownFile: downByVersion[version],
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}

// ListMigrations returns the names in dir ending in suffix, sorted.
func ListMigrations(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// MigrationVersion is the prefix before the first underscore:
// "000001" for "000001_event_log.up.sql".
func MigrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
