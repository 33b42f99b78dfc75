package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/cipherdrop/internal/dbx"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/auditlog"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/transfers"
	"github.com/pressly/goose/v3"
)

// RepositoryManager vends dialect-specific repositories bound to a DBTX and
// applies the schema.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Transfers(db dbx.DBTX) transfers.Repository
	AuditLog(db dbx.DBTX) auditlog.Repository
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// sqlOpen is a seam for testing sql.Open.
var sqlOpen = sql.Open

// Open connects to the database for driver ("postgres" or "sqlite"), checks
// the connection and returns it with the matching manager. Migrations are
// not run; call RunMigrations.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, RepositoryManager, error) {
	var (
		driverName string
		manager    RepositoryManager
	)

	switch driver {
	case "postgres":
		driverName = "pgx"
		manager = &PostgresRepositoryManager{}
	case "sqlite":
		driverName = "sqlite"
		manager = &SQLiteRepositoryManager{}
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlOpen(driverName, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open error: %w", err)
	}

	if driver == "sqlite" {
		// one writer; every statement in a tx goes through the tx handle
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db ping error: %w", err)
	}

	return db, manager, nil
}
