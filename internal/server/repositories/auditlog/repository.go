// Package auditlog persists the append-only transfer audit trail.
package auditlog

import (
	"context"

	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
)

// Repository appends and reads audit entries. Entries are never updated.
type Repository interface {
	Append(ctx context.Context, e *models.LogEntry) error
	// ListByToken returns the entries of one transfer, oldest first.
	ListByToken(ctx context.Context, token string) ([]*models.LogEntry, error)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]*models.LogEntry, error)
}
