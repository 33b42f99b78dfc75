// Package audit writes transfer lifecycle events to the audit log without
// blocking the request that produced them.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/auditlog"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
	"github.com/google/uuid"
)

// DefaultBuffer is the queue length used when NewRecorder gets size <= 0.
const DefaultBuffer = 256

const drainTimeout = 5 * time.Second

type clientKey struct{}

// Client identifies the caller of a request for the audit trail.
type Client struct {
	IPAddress string
	UserAgent string
}

// WithClient attaches caller details to ctx. Record picks them up.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFrom returns the caller details stored in ctx, if any.
func ClientFrom(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}

// Recorder queues entries and persists them from a single goroutine started
// with Run. When the queue is full entries are dropped with a warning.
type Recorder struct {
	repo   auditlog.Repository
	clock  timex.Clock
	logger logging.Logger
	queue  chan *models.LogEntry
}

func NewRecorder(repo auditlog.Repository, clock timex.Clock, logger logging.Logger, size int) *Recorder {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Recorder{
		repo:   repo,
		clock:  clock,
		logger: logger.With("module", "audit"),
		queue:  make(chan *models.LogEntry, size),
	}
}

// Record enqueues one entry. It never blocks and never fails the caller.
func (r *Recorder) Record(ctx context.Context, token, action, details string) {
	c := ClientFrom(ctx)
	e := &models.LogEntry{
		ID:        uuid.NewString(),
		Token:     token,
		Action:    action,
		Details:   details,
		IPAddress: c.IPAddress,
		UserAgent: c.UserAgent,
		CreatedAt: timex.Millis(r.clock.Now()),
	}

	select {
	case r.queue <- e:
	default:
		r.logger.Warn(ctx, "audit queue full, entry dropped", "token", token, "action", action)
	}
}

// Run persists queued entries until ctx is cancelled, then drains what is
// left with a short deadline. Writes never use ctx itself: an entry taken
// from the queue is persisted even when cancellation races with it.
func (r *Recorder) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case e := <-r.queue:
			r.write(writeCtx, e)
		case <-ctx.Done():
			r.drain(writeCtx)
			return nil
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e *models.LogEntry) {
	if err := r.repo.Append(ctx, e); err != nil {
		r.logger.Error(ctx, "audit append failed", "token", e.Token, "action", e.Action, "error", err)
	}
}

// History returns the persisted entries of one transfer, oldest first.
// Entries still queued are not included.
func (r *Recorder) History(ctx context.Context, token string) ([]*models.LogEntry, error) {
	entries, err := r.repo.ListByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("audit history: %w: %w", common.ErrPersistence, err)
	}
	return entries, nil
}

// Recent returns up to limit persisted entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := r.repo.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit recent: %w: %w", common.ErrPersistence, err)
	}
	return entries, nil
}
