package store

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// migrationsTable records the applied schema version.
	migrationsTable = "schema_migrations"

	// optionalAuthVersion is the migration that makes upstream credentials
	// optional and adds skip_auth.
	optionalAuthVersion = 3
)

// migrate applies every pending migration in version order. Each file runs
// inside its own transaction, so a table rebuild either fully happens or
// leaves the previous shape untouched.
func (s *Store) migrate() error {
	// Must run before the driver creates the version table.
	adopt, err := s.hasUnversionedOptionalAuth()
	if err != nil {
		return fmt.Errorf("inspect existing schema: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}

	// m is not closed: closing the driver closes the shared database.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	if adopt {
		if err := s.adoptOptionalAuth(m); err != nil {
			return err
		}
	}

	before, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		if before, err = s.recoverDirty(m, before); err != nil {
			return err
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	after, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if after != before {
		s.logger.Info().Uint("from", before).Uint("to", after).Msg("Database schema migrated")
	}

	return nil
}

// recoverDirty resets a version left dirty by a failed migration. Every
// migration runs in one transaction, so a dirty version N means the failed
// file was rolled back and the schema is still at N-1.
func (s *Store) recoverDirty(m *migrate.Migrate, version uint) (uint, error) {
	prev := int(version) - 1
	if prev < 1 {
		prev = database.NilVersion
	}

	s.logger.Warn().Uint("version", version).Msg("Previous migration did not complete, retrying it")

	if err := m.Force(prev); err != nil {
		return 0, fmt.Errorf("reset dirty schema version %d: %w", version, err)
	}
	if prev == database.NilVersion {
		return 0, nil
	}
	return uint(prev), nil
}

// hasUnversionedOptionalAuth reports whether the database was created
// without migrations and its instances table already has the shape that
// migration 3 produces: a skip_auth column and nullable credentials.
// Rebuilding such a table would reset every skip_auth flag.
func (s *Store) hasUnversionedOptionalAuth() (bool, error) {
	var tables []string
	if err := s.db.Select(&tables,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN (?, 'instances')`, migrationsTable); err != nil {
		return false, err
	}
	if len(tables) != 1 || tables[0] != "instances" {
		return false, nil
	}

	var cols []struct {
		Name    string `db:"name"`
		NotNull bool   `db:"notnull"`
	}
	if err := s.db.Select(&cols, `SELECT name, "notnull" FROM pragma_table_info('instances')`); err != nil {
		return false, err
	}

	var hasSkipAuth, usernameNullable bool
	for _, c := range cols {
		switch c.Name {
		case "skip_auth":
			hasSkipAuth = true
		case "qbt_username":
			usernameNullable = !c.NotNull
		}
	}
	return hasSkipAuth && usernameNullable, nil
}

// adoptOptionalAuth creates whatever the earlier migrations would have
// added besides the instances table, then records the schema as being at
// the optional-auth version so the rebuild is skipped.
func (s *Store) adoptOptionalAuth(m *migrate.Migrate) error {
	for v := 1; v < optionalAuthVersion; v++ {
		matches, err := fs.Glob(migrationsFS, fmt.Sprintf("migrations/%04d_*.up.sql", v))
		if err != nil {
			return fmt.Errorf("locate migration %d: %w", v, err)
		}
		if len(matches) != 1 {
			return fmt.Errorf("locate migration %d: found %d files", v, len(matches))
		}
		ddl, err := migrationsFS.ReadFile(matches[0])
		if err != nil {
			return fmt.Errorf("read migration %d: %w", v, err)
		}
		// Earlier migrations only create missing tables and indexes.
		if _, err := s.db.Exec(string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", path.Base(matches[0]), err)
		}
	}

	if err := m.Force(optionalAuthVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	s.logger.Info().Int("version", optionalAuthVersion).Msg("Adopted existing database schema")
	return nil
}

// SchemaVersion returns the currently applied migration version.
func (s *Store) SchemaVersion() (uint, error) {
	var v uint
	if err := s.db.Get(&v, "SELECT version FROM "+migrationsTable+" LIMIT 1"); err != nil {
		return 0, err
	}
	return v, nil
}
