package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/cipherdrop/internal/server/chunks"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/cipherdrop/internal/server/services"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	retention = 24 * time.Hour
	publicKey = common.PublicKeyPrefix + "\nMIIB"
)

type flakyBlobs struct {
	blobstore.Store
	fail atomic.Bool
}

func (f *flakyBlobs) Delete(ctx context.Context, key string) error {
	if f.fail.Load() {
		return errors.New("disk on fire")
	}
	return f.Store.Delete(ctx, key)
}

type auditTrail struct {
	mu      sync.Mutex
	entries []string
}

func (a *auditTrail) Record(_ context.Context, token, action, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, action+" "+details)
}

type fixture struct {
	sweeper *Sweeper
	store   *services.TransferStore
	svc     *services.TransferService
	asm     *chunks.Assembler
	blobs   *flakyBlobs
	clock   *timex.ManualClock
	audit   *auditTrail
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, rm, err := repomanager.Open(ctx, "sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, rm.RunMigrations(ctx, db))

	clock := timex.NewManualClock(time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC))
	blobs := &flakyBlobs{Store: blobstore.NewLocalStore(memfs.New())}
	store := services.NewTransferStore(db, rm, clock, retention, logging.Nop{})
	asm := chunks.NewAssembler(memfs.New(), blobs, store, chunks.Limits{MaxChunkSize: 64, MaxFileSize: 1024, MaxChunks: 8}, clock, logging.Nop{})
	trail := &auditTrail{}

	return &fixture{
		sweeper: New(store, blobs, asm, trail, clock, time.Hour, retention, logging.Nop{}),
		store:   store,
		svc:     services.NewTransferService(store, asm, blobs, nil, clock, 1024, logging.Nop{}),
		asm:     asm,
		blobs:   blobs,
		clock:   clock,
		audit:   trail,
	}
}

func (f *fixture) readyTransfer(t *testing.T, body string) *models.Transfer {
	t.Helper()
	ctx := context.Background()
	tr, err := f.svc.CreateTransfer(ctx, publicKey)
	require.NoError(t, err)
	_, err = f.svc.UploadWhole(ctx, tr.Token, "wk", "f.bin", strings.NewReader(body))
	require.NoError(t, err)
	got, err := f.store.Get(ctx, tr.Token)
	require.NoError(t, err)
	return got
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.blobs.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestSweep_ReclaimsExpiredAndConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	consumed := f.readyTransfer(t, "consumed")
	ok, err := f.svc.ConfirmDownload(ctx, consumed.Token)
	require.NoError(t, err)
	require.True(t, ok)

	expiring := f.readyTransfer(t, "expiring")

	f.clock.Advance(time.Hour)
	live := f.readyTransfer(t, "live")

	f.clock.Advance(retention - time.Hour)

	rep := f.sweeper.Sweep(ctx)
	assert.Equal(t, 2, rep.Reclaimed)
	assert.Zero(t, rep.ArtifactFailures)

	_, err = f.store.Get(ctx, consumed.Token)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.store.Get(ctx, expiring.Token)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, f.exists(t, expiring.ArtifactKey))

	_, err = f.store.Get(ctx, live.Token)
	require.NoError(t, err)
	assert.True(t, f.exists(t, live.ArtifactKey))

	assert.ElementsMatch(t, []string{"reclaim reason=consumed", "reclaim reason=expired"}, f.audit.entries)

	assert.Equal(t, Report{}, f.sweeper.Sweep(ctx), "second pass reclaims nothing")
}

func TestSweep_ArtifactDeleteFailureStillRemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := f.readyTransfer(t, "payload")
	f.clock.Advance(retention)

	f.blobs.fail.Store(true)
	rep := f.sweeper.Sweep(ctx)
	assert.Equal(t, 1, rep.Reclaimed)
	assert.Equal(t, 1, rep.ArtifactFailures)

	_, err := f.store.Get(ctx, tr.Token)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.True(t, f.exists(t, tr.ArtifactKey), "left for manual cleanup")
}

func TestSweep_AbandonsSessionsOfReclaimedTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.svc.CreateTransfer(ctx, publicKey)
	require.NoError(t, err)
	_, err = f.svc.UploadChunk(ctx, chunks.ChunkRequest{Token: tr.Token, UploadID: "u", Index: 0, Total: 2, Data: strings.NewReader("half")})
	require.NoError(t, err)

	f.clock.Advance(retention)

	rep := f.sweeper.Sweep(ctx)
	assert.Equal(t, 1, rep.Reclaimed)
	assert.Zero(t, f.asm.Sessions())
	assert.Zero(t, f.asm.StagedBytes())
}

func TestSweep_AbandonsStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// no record: only the session timeout can clean this up
	_, err := f.asm.Accept(ctx, chunks.ChunkRequest{Token: "ghost", UploadID: "u", Index: 0, Total: 2, Data: strings.NewReader("x")})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	assert.Zero(t, f.sweeper.Sweep(ctx).AbandonedUploads)

	f.clock.Advance(retention)
	assert.Equal(t, 1, f.sweeper.Sweep(ctx).AbandonedUploads)
	assert.Zero(t, f.asm.Sessions())
}

func TestSweep_RacesWithFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.svc.CreateTransfer(ctx, publicKey)
	require.NoError(t, err)
	_, err = f.svc.UploadChunk(ctx, chunks.ChunkRequest{Token: tr.Token, UploadID: "u", Index: 0, Total: 1, Data: strings.NewReader("abc")})
	require.NoError(t, err)

	f.clock.Advance(retention)
	// the record is gone before finalize reaches the store
	ok, err := f.store.Delete(ctx, tr.Token)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.asm.Finalize(ctx, tr.Token, "u", 0)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, f.exists(t, chunks.ArtifactKey(tr.Token, "u")))

	assert.Equal(t, Report{}, f.sweeper.Sweep(ctx))
}

type countingRecords struct {
	calls atomic.Int32
	err   error
}

func (c *countingRecords) ListReclaimable(context.Context, time.Time) ([]*models.Transfer, error) {
	c.calls.Add(1)
	return nil, c.err
}

func (c *countingRecords) Delete(context.Context, string) (bool, error) { return false, nil }

type noSessions struct{ stale atomic.Int32 }

func (*noSessions) AbandonTransfer(context.Context, string) int { return 0 }
func (n *noSessions) AbandonStale(context.Context, time.Time) int {
	n.stale.Add(1)
	return 0
}
func (*noSessions) PurgeOrphans(context.Context, time.Time) int { return 0 }

func TestSweep_ListErrorStillSweepsSessions(t *testing.T) {
	records := &countingRecords{err: errors.New("db down")}
	sessions := &noSessions{}
	s := New(records, nil, sessions, nil, timex.SystemClock{}, time.Hour, retention, logging.Nop{})

	assert.Equal(t, Report{}, s.Sweep(context.Background()))
	assert.Equal(t, int32(1), sessions.stale.Load())
}

func TestRun_SweepsImmediatelyAndOnTick(t *testing.T) {
	records := &countingRecords{}
	s := New(records, nil, &noSessions{}, nil, timex.SystemClock{}, 10*time.Millisecond, retention, logging.Nop{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return records.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
