package common

import "fmt"

// IncompleteUploadError reports how many chunks a session still lacks.
// It matches ErrIncompleteUpload via errors.Is.
type IncompleteUploadError struct {
	Received int
	Expected int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("%s: received %d of %d chunks", ErrIncompleteUpload, e.Received, e.Expected)
}

// Missing is the shortfall between expected and received chunks.
func (e *IncompleteUploadError) Missing() int {
	return e.Expected - e.Received
}

func (e *IncompleteUploadError) Unwrap() error {
	return ErrIncompleteUpload
}
