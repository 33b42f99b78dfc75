package models

import (
	"fmt"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
)

// State is the lifecycle state of a transfer.
type State string

const (
	StateCreated   State = "created"
	StateUploading State = "uploading"
	StateReady     State = "ready"
	StateConsumed  State = "consumed"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateUploading, StateReady, StateConsumed:
		return true
	}
	return false
}

// AcceptsUpload reports whether an upload may still be attached in state s.
func (s State) AcceptsUpload() bool {
	return s == StateCreated || s == StateUploading
}

// Event drives a state transition.
type Event string

const (
	EventChunkAccepted     Event = "chunk_accepted"
	EventUploadCompleted   Event = "upload_completed"
	EventDownloadConfirmed Event = "download_confirmed"
)

// Next returns the state reached from s on event e.
//
// Upload events on a ready transfer fail with common.ErrAlreadyReceived.
// Anything on a consumed transfer, and a download confirmation on a transfer
// that is not ready, fail with common.ErrNotFound.
func Next(s State, e Event) (State, error) {
	if !s.Valid() {
		return s, fmt.Errorf("%w: unknown state %q", common.ErrValidation, s)
	}

	switch e {
	case EventChunkAccepted, EventUploadCompleted:
		switch s {
		case StateCreated, StateUploading:
			if e == EventChunkAccepted {
				return StateUploading, nil
			}
			return StateReady, nil
		case StateReady:
			return s, common.ErrAlreadyReceived
		default:
			return s, common.ErrNotFound
		}
	case EventDownloadConfirmed:
		if s == StateReady {
			return StateConsumed, nil
		}
		return s, common.ErrNotFound
	}

	return s, fmt.Errorf("%w: unknown event %q", common.ErrValidation, e)
}
