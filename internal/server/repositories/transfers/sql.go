package transfers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/dmitrijs2005/cipherdrop/internal/dbx"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
)

const selectColumns = `token, public_key, state, artifact_key, wrapped_key, filename, size, digest,
	chunks_received, chunks_total, created_at, expires_at, upload_started_at, uploaded_at, consumed_at`

// sqlRepository holds the dialect-neutral implementation. Queries are
// written with "?" placeholders and rewritten by bind.
type sqlRepository struct {
	db   dbx.DBTX
	bind dbx.Bind
}

// Create inserts t in state created.
func (r *sqlRepository) Create(ctx context.Context, t *models.Transfer) error {
	query := r.bind(`INSERT INTO transfers (token, public_key, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		t.Token, t.PublicKey, string(models.StateCreated), t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns the transfer for token or common.ErrNotFound.
func (r *sqlRepository) Get(ctx context.Context, token string) (*models.Transfer, error) {
	query := r.bind(`SELECT ` + selectColumns + ` FROM transfers WHERE token = ?`)

	t, err := scanTransfer(r.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select transfer: %w", err)
	}
	return t, nil
}

// AttachArtifact sets the artifact fields and state ready in one UPDATE,
// guarded so only the first attach on a live transfer matches.
func (r *sqlRepository) AttachArtifact(ctx context.Context, token string, a models.Artifact, now time.Time) (bool, error) {
	query := r.bind(`UPDATE transfers
		SET state = 'ready', artifact_key = ?, wrapped_key = ?, filename = ?, size = ?, digest = ?, uploaded_at = ?
		WHERE token = ? AND state IN ('created', 'uploading') AND artifact_key IS NULL AND expires_at > ?`)

	return r.execGuarded(ctx, query,
		a.Key, a.WrappedKey, a.Filename, a.Size, a.Digest, a.UploadedAt.UnixMilli(), token, now.UnixMilli())
}

// UpdateProgress stores chunk counters. Received never moves backwards for
// the same total, so out-of-order reports from parallel chunks are harmless.
func (r *sqlRepository) UpdateProgress(ctx context.Context, token string, received, total int, now time.Time) (bool, error) {
	query := r.bind(`UPDATE transfers
		SET state = 'uploading',
			chunks_received = CASE WHEN chunks_total <> ? OR chunks_received < ? THEN ? ELSE chunks_received END,
			chunks_total = ?,
			upload_started_at = COALESCE(upload_started_at, ?)
		WHERE token = ? AND state IN ('created', 'uploading') AND expires_at > ?`)

	ms := now.UnixMilli()
	return r.execGuarded(ctx, query, total, received, received, total, ms, token, ms)
}

// MarkConsumed moves a live ready transfer to consumed.
func (r *sqlRepository) MarkConsumed(ctx context.Context, token string, now time.Time) (bool, error) {
	query := r.bind(`UPDATE transfers SET state = 'consumed', consumed_at = ?
		WHERE token = ? AND state = 'ready' AND expires_at > ?`)

	ms := now.UnixMilli()
	return r.execGuarded(ctx, query, ms, token, ms)
}

// ListReclaimable returns every transfer whose expiry has passed or which
// has been consumed, oldest expiry first.
func (r *sqlRepository) ListReclaimable(ctx context.Context, now time.Time) ([]*models.Transfer, error) {
	query := r.bind(`SELECT ` + selectColumns + ` FROM transfers
		WHERE expires_at <= ? OR state = 'consumed'
		ORDER BY expires_at`)

	rows, err := r.db.QueryContext(ctx, query, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to select transfers: %w", err)
	}
	defer rows.Close()

	var result []*models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the record. Returns false when nothing was deleted.
func (r *sqlRepository) Delete(ctx context.Context, token string) (bool, error) {
	query := r.bind(`DELETE FROM transfers WHERE token = ?`)
	return r.execGuarded(ctx, query, token)
}

// Stats aggregates counts over all records in one scan.
func (r *sqlRepository) Stats(ctx context.Context, now time.Time) (*models.Stats, error) {
	query := r.bind(`SELECT
		COUNT(*),
		CAST(COALESCE(SUM(CASE WHEN state = 'created' THEN 1 ELSE 0 END), 0) AS BIGINT),
		CAST(COALESCE(SUM(CASE WHEN state = 'uploading' THEN 1 ELSE 0 END), 0) AS BIGINT),
		CAST(COALESCE(SUM(CASE WHEN state = 'ready' THEN 1 ELSE 0 END), 0) AS BIGINT),
		CAST(COALESCE(SUM(CASE WHEN state = 'consumed' THEN 1 ELSE 0 END), 0) AS BIGINT),
		CAST(COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) AS BIGINT),
		CAST(COALESCE(SUM(CASE WHEN artifact_key IS NOT NULL AND state <> 'consumed' THEN size ELSE 0 END), 0) AS BIGINT)
		FROM transfers`)

	s := &models.Stats{}
	err := r.db.QueryRowContext(ctx, query, now.UnixMilli()).
		Scan(&s.Total, &s.Created, &s.Uploading, &s.Ready, &s.Consumed, &s.Expired, &s.StoredBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transfers: %w", err)
	}
	return s, nil
}

func (r *sqlRepository) execGuarded(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}

	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected rows affected: %d", n)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		t                                       models.Transfer
		state                                   string
		artifactKey, wrappedKey, name, digest   sql.NullString
		createdAt, expiresAt                    int64
		uploadStartedAt, uploadedAt, consumedAt sql.NullInt64
	)

	err := row.Scan(&t.Token, &t.PublicKey, &state, &artifactKey, &wrappedKey, &name, &t.Size, &digest,
		&t.ChunksReceived, &t.ChunksTotal, &createdAt, &expiresAt, &uploadStartedAt, &uploadedAt, &consumedAt)
	if err != nil {
		return nil, err
	}

	t.State = models.State(state)
	t.ArtifactKey = artifactKey.String
	t.WrappedKey = wrappedKey.String
	t.Filename = name.String
	t.Digest = digest.String
	t.CreatedAt = timex.FromMillis(createdAt)
	t.ExpiresAt = timex.FromMillis(expiresAt)
	t.UploadStartedAt = nullMillis(uploadStartedAt)
	t.UploadedAt = nullMillis(uploadedAt)
	t.ConsumedAt = nullMillis(consumedAt)

	return &t, nil
}

func nullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return timex.FromMillis(v.Int64)
}
