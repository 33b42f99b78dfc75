// Package common defines shared constants and sentinel errors used across
// cipherdrop layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence error")

	// Lifecycle errors.
	ErrAlreadyReceived  = errors.New("transfer already received a file")
	ErrAlreadyFinalized = errors.New("upload already finalized")
	ErrIncompleteUpload = errors.New("incomplete upload")

	// Upload limits and validation.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")
	ErrSizeMismatch      = errors.New("assembled size does not match declared size")
	ErrValidation        = errors.New("validation error")

	// Staging errors (chunk write/read/delete).
	ErrStagingIO = errors.New("staging io error")

	// ErrUploadSessionNotFound is returned for an unknown (token, upload id) pair.
	// It matches ErrNotFound as well.
	ErrUploadSessionNotFound = &wrappedSentinel{msg: "upload session not found", base: ErrNotFound}
)

type wrappedSentinel struct {
	msg  string
	base error
}

func (e *wrappedSentinel) Error() string { return e.msg }
func (e *wrappedSentinel) Unwrap() error { return e.base }
