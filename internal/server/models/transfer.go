// Package models defines server-side data models persisted in the database.
package models

import "time"

// Transfer is one sender-to-receiver exchange, addressed only by its token.
//
// Artifact fields (ArtifactKey, WrappedKey, Filename, Size, Digest,
// UploadedAt) are set together by a single store update and are empty until
// the upload completes. Zero time values mean "not set".
type Transfer struct {
	Token     string
	PublicKey string
	State     State

	ArtifactKey string
	WrappedKey  string
	Filename    string
	Size        int64
	// Digest is the hex BLAKE2b-256 of the stored ciphertext.
	Digest string

	ChunksReceived int
	ChunksTotal    int

	CreatedAt       time.Time
	ExpiresAt       time.Time
	UploadStartedAt time.Time
	UploadedAt      time.Time
	ConsumedAt      time.Time
}

// Expired reports whether the retention window has elapsed at now.
func (t *Transfer) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// HasArtifact reports whether an artifact is attached.
func (t *Transfer) HasArtifact() bool {
	return t.ArtifactKey != ""
}

// Artifact is the set of fields attached to a transfer when an upload
// completes.
type Artifact struct {
	Key        string
	WrappedKey string
	Filename   string
	Size       int64
	Digest     string
	UploadedAt time.Time
}

// FileInfo is the receiver-facing view of a ready transfer.
type FileInfo struct {
	Filename  string
	Size      int64
	Digest    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Stats are read-only aggregate counts over transfer records.
type Stats struct {
	Total       int64
	Created     int64
	Uploading   int64
	Ready       int64
	Consumed    int64
	Expired     int64
	StoredBytes int64
}
