package chunks

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/go-git/go-billy/v5/util"
)

// Abandon discards an open session and its staged chunks. It reports false
// for an unknown session or one that is being finalized.
func (a *Assembler) Abandon(ctx context.Context, token, uploadID string) bool {
	key := sessionKey{token: token, uploadID: uploadID}

	a.mu.Lock()
	s, ok := a.sessions[key]
	if !ok {
		a.mu.Unlock()
		return false
	}
	n, ok := s.tryAbandon()
	if ok {
		delete(a.sessions, key)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	a.staged.Add(-n)
	a.removeStaging(ctx, key)
	a.logger.Info(ctx, "upload abandoned", "token", token, "upload_id", uploadID)
	return true
}

// AbandonTransfer discards every open session of token, forgets its
// finalized markers and removes whatever is left of its staging directory.
// It returns the number of sessions discarded.
func (a *Assembler) AbandonTransfer(ctx context.Context, token string) int {
	n := a.abandonWhere(ctx, func(key sessionKey, _ *session) bool {
		return key.token == token
	}, func(key sessionKey, _ time.Time) bool {
		return key.token == token
	})
	a.purgeToken(ctx, token)
	return n
}

// AbandonStale discards open sessions created before cutoff and finalized
// markers older than cutoff. It returns the number of sessions discarded.
func (a *Assembler) AbandonStale(ctx context.Context, cutoff time.Time) int {
	return a.abandonWhere(ctx, func(_ sessionKey, s *session) bool {
		return s.createdAt.Before(cutoff)
	}, func(_ sessionKey, at time.Time) bool {
		return at.Before(cutoff)
	})
}

func (a *Assembler) abandonWhere(ctx context.Context, match func(sessionKey, *session) bool, matchMarker func(sessionKey, time.Time) bool) int {
	type victim struct {
		key   sessionKey
		bytes int64
	}
	var victims []victim
	tokens := make(map[string]struct{})

	a.mu.Lock()
	for key, s := range a.sessions {
		if !match(key, s) {
			continue
		}
		n, ok := s.tryAbandon()
		if !ok {
			continue
		}
		delete(a.sessions, key)
		victims = append(victims, victim{key: key, bytes: n})
	}
	for key, at := range a.finalized {
		if matchMarker(key, at) {
			delete(a.finalized, key)
			tokens[key.token] = struct{}{}
		}
	}
	for _, v := range victims {
		tokens[v.key.token] = struct{}{}
	}
	a.mu.Unlock()

	for _, v := range victims {
		a.staged.Add(-v.bytes)
		a.removeStaging(ctx, v.key)
		a.logger.Info(ctx, "upload abandoned", "token", v.key.token, "upload_id", v.key.uploadID)
	}
	for token := range tokens {
		a.removeTokenDirIfIdle(ctx, token)
	}
	return len(victims)
}

// PurgeOrphans removes staging directories that no live session owns and
// that were last modified before cutoff, typically left by a previous
// process. It returns the number of upload directories removed.
func (a *Assembler) PurgeOrphans(ctx context.Context, cutoff time.Time) int {
	tokens, err := a.staging.ReadDir(".")
	if err != nil {
		a.logger.Warn(ctx, "staging scan failed", "error", err)
		return 0
	}

	removed := 0
	for _, tok := range tokens {
		if !tok.IsDir() {
			continue
		}
		uploads, err := a.staging.ReadDir(tok.Name())
		if err != nil {
			a.logger.Warn(ctx, "staging scan failed", "dir", tok.Name(), "error", err)
			continue
		}
		for _, up := range uploads {
			if !up.IsDir() || !up.ModTime().Before(cutoff) {
				continue
			}
			key := sessionKey{token: tok.Name(), uploadID: up.Name()}
			if a.owned(key) {
				continue
			}
			if err := util.RemoveAll(a.staging, key.dir()); err != nil {
				a.logger.Warn(ctx, "orphan cleanup failed", "dir", key.dir(), "error", err)
				continue
			}
			removed++
		}
		a.removeTokenDirIfIdle(ctx, tok.Name())
	}

	if removed > 0 {
		a.logger.Info(ctx, "orphaned staging purged", "count", removed)
	}
	return removed
}

// purgeToken removes upload directories of token that no session owns.
func (a *Assembler) purgeToken(ctx context.Context, token string) {
	uploads, err := a.staging.ReadDir(token)
	if err != nil {
		return
	}
	for _, up := range uploads {
		key := sessionKey{token: token, uploadID: up.Name()}
		if !up.IsDir() || a.owned(key) {
			continue
		}
		if err := util.RemoveAll(a.staging, key.dir()); err != nil {
			a.logger.Warn(ctx, "staging cleanup failed", "dir", key.dir(), "error", err)
		}
	}
	a.removeTokenDirIfIdle(ctx, token)
}

func (a *Assembler) owned(key sessionKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[key]
	return ok
}

func (a *Assembler) removeStaging(ctx context.Context, key sessionKey) {
	if err := util.RemoveAll(a.staging, key.dir()); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn(ctx, "staging cleanup failed", "dir", key.dir(), "error", err)
	}
	a.removeTokenDirIfIdle(ctx, key.token)
}

// removeTokenDirIfIdle removes <token>/ when it is empty.
func (a *Assembler) removeTokenDirIfIdle(ctx context.Context, token string) {
	entries, err := a.staging.ReadDir(token)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := a.staging.Remove(token); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Debug(ctx, "staging dir cleanup failed", "dir", token, "error", err)
	}
}
