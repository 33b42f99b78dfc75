package auditlog

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/cipherdrop/internal/dbx"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
)

type sqlRepository struct {
	db   dbx.DBTX
	bind dbx.Bind
}

// Append inserts e as-is; the caller assigns ID and CreatedAt.
func (r *sqlRepository) Append(ctx context.Context, e *models.LogEntry) error {
	query := r.bind(`INSERT INTO transfer_logs (id, token, action, details, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.Token, e.Action, e.Details, e.IPAddress, e.UserAgent, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *sqlRepository) ListByToken(ctx context.Context, token string) ([]*models.LogEntry, error) {
	query := r.bind(`SELECT id, token, action, details, ip_address, user_agent, created_at
		FROM transfer_logs WHERE token = ? ORDER BY created_at, id`)
	return r.list(ctx, query, token)
}

func (r *sqlRepository) Recent(ctx context.Context, limit int) ([]*models.LogEntry, error) {
	query := r.bind(`SELECT id, token, action, details, ip_address, user_agent, created_at
		FROM transfer_logs ORDER BY created_at DESC, id DESC LIMIT ?`)
	return r.list(ctx, query, limit)
}

func (r *sqlRepository) list(ctx context.Context, query string, args ...any) ([]*models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select log entries: %w", err)
	}
	defer rows.Close()

	var result []*models.LogEntry
	for rows.Next() {
		var (
			e  models.LogEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Token, &e.Action, &e.Details, &e.IPAddress, &e.UserAgent, &ms); err != nil {
			return nil, err
		}
		e.CreatedAt = timex.FromMillis(ms)
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// PostgresRepository implements Repository for PostgreSQL.
type PostgresRepository struct {
	sqlRepository
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{sqlRepository{db: db, bind: dbx.BindDollar}}
}

// SQLiteRepository implements Repository for SQLite.
type SQLiteRepository struct {
	sqlRepository
}

// NewSQLiteRepository constructs a repository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{sqlRepository{db: db, bind: dbx.BindQuestion}}
}
