// Package chunks assembles files delivered as independently uploaded chunks.
//
// Each (token, upload id) pair owns an in-memory session and a staging
// directory <token>/<upload id>/ holding one file per chunk index. Finalize
// concatenates the chunks strictly by index into the blob store and commits
// the artifact through an ArtifactAttacher. Sessions are not persisted: a
// restart loses in-flight uploads and leaves staging directories behind for
// PurgeOrphans.
package chunks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
	"github.com/go-git/go-billy/v5"
	"golang.org/x/crypto/blake2b"
)

// ArtifactAttacher commits a finished artifact to its transfer. It returns
// false when the transfer can no longer take one and common.ErrNotFound when
// the transfer is gone.
type ArtifactAttacher interface {
	AttachArtifact(ctx context.Context, token string, a models.Artifact) (bool, error)
}

// Limits bound what a single session and the whole staging area may hold.
// StagingBudget <= 0 disables the global cap.
type Limits struct {
	MaxChunkSize  int64
	MaxFileSize   int64
	MaxChunks     int
	StagingBudget int64
}

// ChunkRequest carries one chunk. WrappedKey and Filename are captured from
// the first request of a session that has them.
type ChunkRequest struct {
	Token      string
	UploadID   string
	Index      int
	Total      int
	WrappedKey string
	Filename   string
	Data       io.Reader
}

// Progress reports distinct chunks received for a session.
type Progress struct {
	Received int
	Total    int
	Complete bool
}

// Result describes an attached artifact.
type Result struct {
	Key        string
	Size       int64
	Digest     string
	WrappedKey string
	Filename   string
}

// Assembler owns the session registry and the staging filesystem.
type Assembler struct {
	staging billy.Filesystem
	blobs   blobstore.Store
	store   ArtifactAttacher
	limits  Limits
	clock   timex.Clock
	logger  logging.Logger

	mu        sync.Mutex
	sessions  map[sessionKey]*session
	finalized map[sessionKey]time.Time

	staged atomic.Int64
}

// NewAssembler builds an Assembler staging chunks on staging and writing
// artifacts to blobs.
func NewAssembler(staging billy.Filesystem, blobs blobstore.Store, store ArtifactAttacher, limits Limits, clock timex.Clock, logger logging.Logger) *Assembler {
	return &Assembler{
		staging:   staging,
		blobs:     blobs,
		store:     store,
		limits:    limits,
		clock:     clock,
		logger:    logger.With("module", "chunks"),
		sessions:  make(map[sessionKey]*session),
		finalized: make(map[sessionKey]time.Time),
	}
}

// ArtifactKey is the blob key a finalize of (token, uploadID) writes.
// Re-finalizing the same session overwrites the same key.
func ArtifactKey(token, uploadID string) string {
	return path.Join(token, uploadID+".bin")
}

// Accept stages one chunk. Re-sending an index overwrites the earlier bytes
// and is not an error. The caller has already checked the transfer state.
func (a *Assembler) Accept(ctx context.Context, req ChunkRequest) (Progress, error) {
	if err := a.validate(req); err != nil {
		return Progress{}, err
	}

	key := sessionKey{token: req.Token, uploadID: req.UploadID}
	s, err := a.getOrCreate(key, req)
	if err != nil {
		return Progress{}, err
	}
	defer a.release(ctx, s)

	if s.total != req.Total {
		return Progress{}, fmt.Errorf("%w: total_chunks %d differs from session total %d", common.ErrValidation, req.Total, s.total)
	}
	if err := s.check(); err != nil {
		return Progress{}, err
	}

	tmp, n, err := a.writeTemp(ctx, key, req.Data)
	if err != nil {
		return Progress{}, err
	}

	if err := a.reserve(n); err != nil {
		a.removeQuiet(ctx, tmp)
		return Progress{}, err
	}

	p, old, err := s.commit(req.Index, n, a.limits.MaxFileSize, req.WrappedKey, req.Filename, func() error {
		return a.staging.Rename(tmp, key.slot(req.Index))
	})
	if err != nil {
		a.staged.Add(-n)
		a.removeQuiet(ctx, tmp)
		return Progress{}, err
	}
	a.staged.Add(-old)

	a.logger.Debug(ctx, "chunk staged", "token", req.Token, "upload_id", req.UploadID,
		"index", req.Index, "bytes", n, "received", p.Received, "total", p.Total)
	return p, nil
}

// Finalize assembles a complete session into one artifact and attaches it.
//
// Only one finalize per session proceeds; others get common.ErrAlreadyFinalized.
// An incomplete session fails with *common.IncompleteUploadError and writes
// nothing. A declaredSize > 0 that differs from the assembled size fails with
// common.ErrSizeMismatch and leaves the session open.
func (a *Assembler) Finalize(ctx context.Context, token, uploadID string, declaredSize int64) (*Result, error) {
	key := sessionKey{token: token, uploadID: uploadID}

	s, err := a.lookup(key)
	if err != nil {
		return nil, err
	}

	snap, err := s.beginFinalize()
	if err != nil {
		return nil, err
	}

	blobKey := ArtifactKey(token, uploadID)
	hasher, err := blake2b.New256(nil)
	if err != nil {
		s.reopen()
		return nil, err
	}

	r := newOrderedReader(a.staging, key, s.total)
	size, err := a.blobs.Put(ctx, blobKey, io.TeeReader(r, hasher))
	_ = r.Close()
	if err != nil {
		s.reopen()
		return nil, fmt.Errorf("%w: assemble %s: %v", common.ErrStagingIO, blobKey, err)
	}

	if declaredSize > 0 && size != declaredSize {
		a.deleteBlob(ctx, blobKey)
		s.reopen()
		return nil, fmt.Errorf("%w: declared %d, assembled %d", common.ErrSizeMismatch, declaredSize, size)
	}

	res := &Result{
		Key:        blobKey,
		Size:       size,
		Digest:     hex.EncodeToString(hasher.Sum(nil)),
		WrappedKey: snap.wrappedKey,
		Filename:   snap.filename,
	}

	ok, err := a.store.AttachArtifact(ctx, token, models.Artifact{
		Key:        res.Key,
		WrappedKey: res.WrappedKey,
		Filename:   res.Filename,
		Size:       res.Size,
		Digest:     res.Digest,
		UploadedAt: a.clock.Now(),
	})
	switch {
	case errors.Is(err, common.ErrNotFound):
		a.deleteBlob(ctx, blobKey)
		a.drop(ctx, s, stateAbandoned)
		return nil, fmt.Errorf("attach %s: %w", token, common.ErrNotFound)
	case err != nil:
		// the artifact stays so a retried finalize overwrites it in place
		s.reopen()
		if errors.Is(err, common.ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: attach %s: %w", common.ErrPersistence, token, err)
	case !ok:
		a.deleteBlob(ctx, blobKey)
		a.drop(ctx, s, stateFinalized)
		return nil, common.ErrAlreadyFinalized
	}

	a.drop(ctx, s, stateFinalized)
	// sibling sessions of the token can no longer attach anything
	a.abandonWhere(ctx, func(k sessionKey, _ *session) bool {
		return k.token == token && k.uploadID != uploadID
	}, func(sessionKey, time.Time) bool { return false })

	a.logger.Info(ctx, "upload finalized", "token", token, "upload_id", uploadID, "bytes", size, "chunks", s.total)
	return res, nil
}

// Sessions returns the number of live sessions.
func (a *Assembler) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// StagedBytes returns the bytes currently held by live sessions.
func (a *Assembler) StagedBytes() int64 {
	return a.staged.Load()
}

func (a *Assembler) validate(req ChunkRequest) error {
	switch {
	case !common.ValidID(req.Token):
		return fmt.Errorf("%w: malformed token", common.ErrValidation)
	case !common.ValidID(req.UploadID):
		return fmt.Errorf("%w: malformed upload_id", common.ErrValidation)
	case req.Total < 1 || req.Total > a.limits.MaxChunks:
		return fmt.Errorf("%w: total_chunks must be in [1, %d]", common.ErrValidation, a.limits.MaxChunks)
	case req.Index < 0 || req.Index >= req.Total:
		return fmt.Errorf("%w: chunk_index %d out of range [0, %d)", common.ErrValidation, req.Index, req.Total)
	case req.Data == nil:
		return fmt.Errorf("%w: missing chunk data", common.ErrValidation)
	}
	return nil
}

func (a *Assembler) getOrCreate(key sessionKey, req ChunkRequest) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.finalized[key]; done {
		return nil, common.ErrAlreadyFinalized
	}
	s, ok := a.sessions[key]
	if !ok {
		s = newSession(key, req.Total, req.WrappedKey, req.Filename, a.clock.Now())
		a.sessions[key] = s
	}
	s.pending++
	return s, nil
}

// release ends one Accept call on s. A session whose first chunk never made
// it into staging is unregistered once no other call holds it.
func (a *Assembler) release(ctx context.Context, s *session) {
	a.mu.Lock()
	s.pending--
	if s.pending > 0 || a.sessions[s.key] != s || !s.discardIfEmpty() {
		a.mu.Unlock()
		return
	}
	delete(a.sessions, s.key)
	// empty; removed under mu so a new session for the key cannot interleave
	_ = a.staging.Remove(s.key.dir())
	a.mu.Unlock()

	a.removeTokenDirIfIdle(ctx, s.key.token)
	a.logger.Debug(ctx, "empty upload session dropped", "token", s.key.token, "upload_id", s.key.uploadID)
}

func (a *Assembler) lookup(key sessionKey) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.finalized[key]; done {
		return nil, common.ErrAlreadyFinalized
	}
	s, ok := a.sessions[key]
	if !ok {
		return nil, common.ErrUploadSessionNotFound
	}
	return s, nil
}

// writeTemp copies at most MaxChunkSize bytes of r into a fresh temp file in
// the session directory.
func (a *Assembler) writeTemp(ctx context.Context, key sessionKey, r io.Reader) (string, int64, error) {
	f, err := a.tempFile(key.dir())
	if err != nil {
		return "", 0, err
	}
	name := f.Name()

	n, err := io.Copy(f, io.LimitReader(r, a.limits.MaxChunkSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		a.removeQuiet(ctx, name)
		return "", 0, fmt.Errorf("%w: write chunk: %v", common.ErrStagingIO, err)
	}
	if n > a.limits.MaxChunkSize {
		a.removeQuiet(ctx, name)
		return "", 0, fmt.Errorf("%w: chunk exceeds %d bytes", common.ErrSizeLimitExceeded, a.limits.MaxChunkSize)
	}
	return name, n, nil
}

// tempFile creates a temp file in dir. The directory may be pruned by a
// concurrent cleanup between MkdirAll and TempFile, so that is retried once.
func (a *Assembler) tempFile(dir string) (billy.File, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = a.staging.MkdirAll(dir, 0o770); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: mkdir %s: %v", common.ErrStagingIO, dir, err)
		}
		var f billy.File
		f, err = a.staging.TempFile(dir, ".part-")
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			break
		}
	}
	return nil, fmt.Errorf("%w: temp file: %v", common.ErrStagingIO, err)
}

// reserve books n staged bytes against the global budget.
func (a *Assembler) reserve(n int64) error {
	total := a.staged.Add(n)
	if a.limits.StagingBudget > 0 && total > a.limits.StagingBudget {
		a.staged.Add(-n)
		return fmt.Errorf("%w: staging budget of %d bytes exhausted", common.ErrSizeLimitExceeded, a.limits.StagingBudget)
	}
	return nil
}

// drop closes s, unregisters it and removes its staging directory. A
// finalized session leaves a marker so late chunks for it are rejected.
func (a *Assembler) drop(ctx context.Context, s *session, to sessionState) {
	n := s.close(to)

	a.mu.Lock()
	if a.sessions[s.key] == s {
		delete(a.sessions, s.key)
	}
	if to == stateFinalized {
		a.finalized[s.key] = a.clock.Now()
	}
	a.mu.Unlock()

	a.staged.Add(-n)
	a.removeStaging(ctx, s.key)
}

func (a *Assembler) deleteBlob(ctx context.Context, key string) {
	if err := a.blobs.Delete(ctx, key); err != nil {
		a.logger.Warn(ctx, "artifact cleanup failed", "key", key, "error", err)
	}
}

func (a *Assembler) removeQuiet(ctx context.Context, name string) {
	if err := a.staging.Remove(name); err != nil {
		a.logger.Debug(ctx, "temp chunk cleanup failed", "name", name, "error", err)
	}
}
