package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/dmitrijs2005/cipherdrop/internal/dbx"
	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
)

// createAttempts bounds token generation retries on a unique violation.
const createAttempts = 3

// newToken is a seam for tests.
var newToken = func() (string, error) {
	return common.NewURLToken(common.TokenBytes)
}

// TransferStore is the durable record store for transfers. It owns token
// generation, the retention window and the classification of storage
// failures; every method returns errors matching the common sentinels.
type TransferStore struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	clock       timex.Clock
	retention   time.Duration
	logger      logging.Logger
}

func NewTransferStore(db *sql.DB, rm repomanager.RepositoryManager, clock timex.Clock, retention time.Duration, logger logging.Logger) *TransferStore {
	return &TransferStore{
		db:          db,
		repomanager: rm,
		clock:       clock,
		retention:   retention,
		logger:      logger.With("module", "store"),
	}
}

// Create inserts a fresh transfer in state created.
func (s *TransferStore) Create(ctx context.Context, publicKey string) (*models.Transfer, error) {
	repo := s.repomanager.Transfers(s.db)

	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		token, err := newToken()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}

		now := timex.Millis(s.clock.Now())
		t := &models.Transfer{
			Token:     token,
			PublicKey: publicKey,
			State:     models.StateCreated,
			CreatedAt: now,
			ExpiresAt: now.Add(s.retention),
		}

		err = repo.Create(ctx, t)
		if err == nil {
			return t, nil
		}
		if !dbx.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: create transfer: %w", common.ErrPersistence, err)
		}
		s.logger.Warn(ctx, "token collision, retrying", "attempt", attempt+1)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: create transfer after %d attempts: %w", common.ErrPersistence, createAttempts, lastErr)
}

// Get returns the record whatever its state or expiry.
func (s *TransferStore) Get(ctx context.Context, token string) (*models.Transfer, error) {
	t, err := s.repomanager.Transfers(s.db).Get(ctx, token)
	if err != nil {
		return nil, classify("get transfer", err)
	}
	return t, nil
}

// AttachArtifact sets every artifact field and moves the transfer to ready.
// It returns false when the transfer already has an artifact and
// common.ErrNotFound when it is gone, expired or consumed.
func (s *TransferStore) AttachArtifact(ctx context.Context, token string, a models.Artifact) (bool, error) {
	now := s.clock.Now()
	a.UploadedAt = timex.Millis(a.UploadedAt)

	var attached bool
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Transfers(tx)

		ok, err := repo.AttachArtifact(ctx, token, a, now)
		if err != nil {
			return err
		}
		if ok {
			attached = true
			return nil
		}

		t, err := repo.Get(ctx, token)
		if err != nil {
			return err
		}
		if t.Expired(now) {
			return common.ErrNotFound
		}
		if _, err := models.Next(t.State, models.EventUploadCompleted); errors.Is(err, common.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return false, classify("attach artifact", err)
	}
	return attached, nil
}

// UpdateProgress records chunk progress; created becomes uploading.
func (s *TransferStore) UpdateProgress(ctx context.Context, token string, received, total int) (bool, error) {
	ok, err := s.repomanager.Transfers(s.db).UpdateProgress(ctx, token, received, total, s.clock.Now())
	if err != nil {
		return false, classify("update progress", err)
	}
	return ok, nil
}

// MarkConsumed moves a ready, unexpired transfer to consumed.
func (s *TransferStore) MarkConsumed(ctx context.Context, token string) (bool, error) {
	now := timex.Millis(s.clock.Now())
	ok, err := s.repomanager.Transfers(s.db).MarkConsumed(ctx, token, now)
	if err != nil {
		return false, classify("mark consumed", err)
	}
	return ok, nil
}

// ListReclaimable returns transfers that are expired or consumed at now.
func (s *TransferStore) ListReclaimable(ctx context.Context, now time.Time) ([]*models.Transfer, error) {
	list, err := s.repomanager.Transfers(s.db).ListReclaimable(ctx, now)
	if err != nil {
		return nil, classify("list reclaimable", err)
	}
	return list, nil
}

func (s *TransferStore) Delete(ctx context.Context, token string) (bool, error) {
	ok, err := s.repomanager.Transfers(s.db).Delete(ctx, token)
	if err != nil {
		return false, classify("delete transfer", err)
	}
	return ok, nil
}

func (s *TransferStore) Stats(ctx context.Context) (*models.Stats, error) {
	st, err := s.repomanager.Transfers(s.db).Stats(ctx, s.clock.Now())
	if err != nil {
		return nil, classify("stats", err)
	}
	return st, nil
}

// Ping checks the database connection.
func (s *TransferStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", common.ErrPersistence, err)
	}
	return nil
}

// classify keeps common.ErrNotFound as is and wraps everything else in
// common.ErrPersistence.
func classify(op string, err error) error {
	if errors.Is(err, common.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", common.ErrPersistence, op, err)
}
