// Package transfers persists transfer records.
package transfers

import (
	"context"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
)

// Repository is the durable record store for transfers. Implementations are
// bound to a dbx.DBTX so they can run inside a transaction.
//
// Every mutation is a single statement on a single row. Methods returning
// bool report whether the guarded update matched a row; callers decide what a
// miss means.
type Repository interface {
	// Create inserts a new record. A duplicate token surfaces as the driver's
	// unique-violation error (see dbx.IsUniqueViolation).
	Create(ctx context.Context, t *models.Transfer) error
	// Get returns the record or common.ErrNotFound.
	Get(ctx context.Context, token string) (*models.Transfer, error)
	// AttachArtifact moves an unexpired created/uploading transfer without an
	// artifact to ready, setting every artifact field at once.
	AttachArtifact(ctx context.Context, token string, a models.Artifact, now time.Time) (bool, error)
	// UpdateProgress records chunk progress and moves created to uploading.
	UpdateProgress(ctx context.Context, token string, received, total int, now time.Time) (bool, error)
	// MarkConsumed moves an unexpired ready transfer to consumed.
	MarkConsumed(ctx context.Context, token string, now time.Time) (bool, error)
	// ListReclaimable returns transfers expired at now or consumed.
	ListReclaimable(ctx context.Context, now time.Time) ([]*models.Transfer, error)
	Delete(ctx context.Context, token string) (bool, error)
	Stats(ctx context.Context, now time.Time) (*models.Stats, error)
}
