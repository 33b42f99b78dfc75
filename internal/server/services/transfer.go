// Package services contains the server-side business logic: the transfer
// record store and the lifecycle coordinator that ties records, the chunk
// assembler and artifact storage together.
package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/cipherdrop/internal/server/chunks"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Auditor receives lifecycle events. Implementations must not block.
type Auditor interface {
	Record(ctx context.Context, token, action, details string)
}

type nopAuditor struct{}

// acceptChunk is a seam for tests.
var acceptChunk = (*chunks.Assembler).Accept

func (nopAuditor) Record(context.Context, string, string, string) {}

// TransferService coordinates the transfer lifecycle:
//
//	created -> uploading -> ready -> consumed
//
// Expired and consumed transfers are reported as common.ErrNotFound by every
// operation, whether or not the sweeper has removed them yet.
type TransferService struct {
	store       *TransferStore
	assembler   *chunks.Assembler
	blobs       blobstore.Store
	audit       Auditor
	clock       timex.Clock
	maxFileSize int64
	logger      logging.Logger
}

// NewTransferService wires the coordinator. A nil auditor disables audit
// recording.
func NewTransferService(store *TransferStore, assembler *chunks.Assembler, blobs blobstore.Store, auditor Auditor,
	clock timex.Clock, maxFileSize int64, logger logging.Logger) *TransferService {
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &TransferService{
		store:       store,
		assembler:   assembler,
		blobs:       blobs,
		audit:       auditor,
		clock:       clock,
		maxFileSize: maxFileSize,
		logger:      logger.With("module", "transfers"),
	}
}

// CreateTransfer registers a receiver's public key and returns the new
// transfer.
func (s *TransferService) CreateTransfer(ctx context.Context, publicKey string) (*models.Transfer, error) {
	if !strings.HasPrefix(publicKey, common.PublicKeyPrefix) {
		return nil, fmt.Errorf("%w: invalid public key format", common.ErrValidation)
	}

	t, err := s.store.Create(ctx, publicKey)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, t.Token, models.ActionCreate, "")
	s.logger.Info(ctx, "transfer created", "token", t.Token, "expires_at", t.ExpiresAt)
	return t, nil
}

// GetAwaitingTransfer returns the public key and expiry of a transfer that
// still accepts an upload.
func (s *TransferService) GetAwaitingTransfer(ctx context.Context, token string) (string, time.Time, error) {
	t, err := s.live(ctx, token)
	if err != nil {
		return "", time.Time{}, err
	}
	if !t.State.AcceptsUpload() {
		return "", time.Time{}, common.ErrAlreadyReceived
	}
	return t.PublicKey, t.ExpiresAt, nil
}

// UploadWhole stores a single-shot upload. The body is streamed to the blob
// store and the upload fails with common.ErrSizeLimitExceeded as soon as it
// grows past the file size limit; nothing is attached in that case.
func (s *TransferService) UploadWhole(ctx context.Context, token, wrappedKey, filename string, body io.Reader) (int64, error) {
	if wrappedKey == "" || filename == "" {
		return 0, fmt.Errorf("%w: encrypted key and filename are required", common.ErrValidation)
	}

	t, err := s.live(ctx, token)
	if err != nil {
		return 0, err
	}
	if !t.State.AcceptsUpload() {
		return 0, common.ErrAlreadyReceived
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return 0, err
	}

	// every attempt writes its own key so racing uploads never share a file
	key := path.Join(token, "whole-"+uuid.NewString()+".bin")
	body = io.TeeReader(newCappedReader(body, s.maxFileSize), hasher)

	size, err := s.blobs.Put(ctx, key, body)
	if err != nil {
		if errors.Is(err, common.ErrSizeLimitExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: store upload: %v", common.ErrStagingIO, err)
	}

	ok, err := s.store.AttachArtifact(ctx, token, models.Artifact{
		Key:        key,
		WrappedKey: wrappedKey,
		Filename:   filename,
		Size:       size,
		Digest:     hex.EncodeToString(hasher.Sum(nil)),
		UploadedAt: s.clock.Now(),
	})
	if err != nil || !ok {
		s.deleteArtifact(ctx, key)
		if err != nil {
			return 0, err
		}
		return 0, common.ErrAlreadyReceived
	}

	// chunked attempts running in parallel are pointless now
	s.assembler.AbandonTransfer(ctx, token)

	s.audit.Record(ctx, token, models.ActionUploadComplete, fmt.Sprintf("mode=whole size=%d", size))
	s.logger.Info(ctx, "upload stored", "token", token, "bytes", size)
	return size, nil
}

// UploadChunk stages one chunk of a chunked upload and propagates progress
// to the transfer record.
func (s *TransferService) UploadChunk(ctx context.Context, req chunks.ChunkRequest) (chunks.Progress, error) {
	t, err := s.live(ctx, req.Token)
	if err != nil {
		return chunks.Progress{}, err
	}
	if _, err := models.Next(t.State, models.EventChunkAccepted); err != nil {
		return chunks.Progress{}, err
	}

	p, err := acceptChunk(s.assembler, ctx, req)
	if err != nil {
		return chunks.Progress{}, err
	}

	// progress is informational; finalize decides from the session itself
	ok, err := s.store.UpdateProgress(ctx, req.Token, p.Received, p.Total)
	switch {
	case err != nil:
		s.logger.Warn(ctx, "progress update failed", "token", req.Token, "error", err)
	case !ok:
		// the transfer left the uploading states after the check above; the
		// session may have been opened after its siblings were cleaned up
		s.assembler.Abandon(ctx, req.Token, req.UploadID)
		if _, err := s.live(ctx, req.Token); err != nil {
			return chunks.Progress{}, err
		}
		return chunks.Progress{}, common.ErrAlreadyReceived
	case t.State == models.StateCreated:
		s.audit.Record(ctx, req.Token, models.ActionUploadStart, fmt.Sprintf("upload_id=%s total=%d", req.UploadID, p.Total))
	}
	return p, nil
}

// FinalizeChunks assembles a complete chunked upload and returns the
// artifact size.
func (s *TransferService) FinalizeChunks(ctx context.Context, token, uploadID string, declaredSize int64) (int64, error) {
	t, err := s.live(ctx, token)
	if err != nil {
		return 0, err
	}

	res, err := s.assembler.Finalize(ctx, token, uploadID, declaredSize)
	if err != nil {
		if errors.Is(err, common.ErrUploadSessionNotFound) && s.received(ctx, t) {
			return 0, common.ErrAlreadyReceived
		}
		return 0, err
	}

	s.audit.Record(ctx, token, models.ActionUploadComplete,
		fmt.Sprintf("mode=chunked upload_id=%s size=%d", uploadID, res.Size))
	return res.Size, nil
}

// AbandonUpload discards an open chunked upload.
func (s *TransferService) AbandonUpload(ctx context.Context, token, uploadID string) error {
	if !s.assembler.Abandon(ctx, token, uploadID) {
		return common.ErrUploadSessionNotFound
	}
	s.audit.Record(ctx, token, models.ActionAbandon, "upload_id="+uploadID)
	return nil
}

// GetFileInfo describes the artifact of a ready transfer.
// A record whose artifact has gone missing is reported as not found, so a
// receiver learns it before fetching the wrapped key.
func (s *TransferService) GetFileInfo(ctx context.Context, token string) (*models.FileInfo, error) {
	t, err := s.ready(ctx, token)
	if err != nil {
		return nil, err
	}

	ok, err := s.blobs.Exists(ctx, t.ArtifactKey)
	if err != nil {
		return nil, fmt.Errorf("%w: stat artifact: %v", common.ErrStagingIO, err)
	}
	if !ok {
		s.logger.Error(ctx, "artifact missing for ready transfer", "token", token, "key", t.ArtifactKey)
		return nil, common.ErrNotFound
	}
	return fileInfo(t), nil
}

// GetWrappedKey returns the encrypted content key of a ready transfer.
func (s *TransferService) GetWrappedKey(ctx context.Context, token string) (string, error) {
	t, err := s.ready(ctx, token)
	if err != nil {
		return "", err
	}
	return t.WrappedKey, nil
}

// OpenDownload opens the artifact of a ready transfer. The caller closes the
// reader.
func (s *TransferService) OpenDownload(ctx context.Context, token string) (io.ReadCloser, *models.FileInfo, error) {
	t, err := s.ready(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	rc, _, err := s.blobs.Open(ctx, t.ArtifactKey)
	if errors.Is(err, blobstore.ErrNotExist) {
		s.logger.Error(ctx, "artifact missing for ready transfer", "token", token, "key", t.ArtifactKey)
		return nil, nil, common.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open artifact: %v", common.ErrStagingIO, err)
	}
	return rc, fileInfo(t), nil
}

// ConfirmDownload marks a ready transfer consumed and deletes its artifact.
// The transfer is invisible from then on; the sweeper removes the record and
// retries a failed artifact delete. It returns false when a concurrent
// confirmation or expiry won.
func (s *TransferService) ConfirmDownload(ctx context.Context, token string) (bool, error) {
	t, err := s.ready(ctx, token)
	if err != nil {
		return false, err
	}

	ok, err := s.store.MarkConsumed(ctx, token)
	if err != nil || !ok {
		return false, err
	}

	s.deleteArtifact(ctx, t.ArtifactKey)
	s.audit.Record(ctx, token, models.ActionDownloadConfirm, "")
	s.logger.Info(ctx, "download confirmed", "token", token)
	return true, nil
}

// Stats returns aggregate counts over all records.
func (s *TransferService) Stats(ctx context.Context) (*models.Stats, error) {
	return s.store.Stats(ctx)
}

// live loads a transfer that is neither expired nor consumed.
func (s *TransferService) live(ctx context.Context, token string) (*models.Transfer, error) {
	if !common.ValidID(token) {
		return nil, common.ErrNotFound
	}

	t, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.Expired(s.clock.Now()) || t.State == models.StateConsumed {
		return nil, common.ErrNotFound
	}
	return t, nil
}

// received reports whether t holds an artifact, re-reading a record that was
// still awaiting one when loaded.
func (s *TransferService) received(ctx context.Context, t *models.Transfer) bool {
	if t.State == models.StateReady {
		return true
	}
	cur, err := s.live(ctx, t.Token)
	return err == nil && cur.State == models.StateReady
}

func (s *TransferService) ready(ctx context.Context, token string) (*models.Transfer, error) {
	t, err := s.live(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.State != models.StateReady || !t.HasArtifact() {
		return nil, common.ErrNotFound
	}
	return t, nil
}

func (s *TransferService) deleteArtifact(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn(ctx, "artifact delete failed", "key", key, "error", err)
	}
}

func fileInfo(t *models.Transfer) *models.FileInfo {
	return &models.FileInfo{
		Filename:  t.Filename,
		Size:      t.Size,
		Digest:    t.Digest,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	}
}
