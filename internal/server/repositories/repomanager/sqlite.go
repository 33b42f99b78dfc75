package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/cipherdrop/internal/dbx"
	"github.com/dmitrijs2005/cipherdrop/internal/server/migrations"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/auditlog"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/transfers"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLiteRepositoryManager vends SQLite-backed repositories (modernc driver).
type SQLiteRepositoryManager struct{}

func (m *SQLiteRepositoryManager) Transfers(db dbx.DBTX) transfers.Repository {
	return transfers.NewSQLiteRepository(db)
}

func (m *SQLiteRepositoryManager) AuditLog(db dbx.DBTX) auditlog.Repository {
	return auditlog.NewSQLiteRepository(db)
}

// RunMigrations applies the sqlite migration set.
func (m *SQLiteRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, migrations.SQLiteDir)
}

// NewSQLiteRepositoryManager constructs a SQLite-backed RepositoryManager.
func NewSQLiteRepositoryManager() RepositoryManager {
	return &SQLiteRepositoryManager{}
}
