package models

import "time"

// Audit actions written per lifecycle transition.
const (
	ActionCreate          = "create"
	ActionUploadStart     = "upload_start"
	ActionUploadComplete  = "upload_complete"
	ActionDownloadConfirm = "download_confirm"
	ActionAbandon         = "abandon"
	ActionReclaim         = "reclaim"
)

// LogEntry is an append-only audit record keyed by transfer token.
type LogEntry struct {
	ID        string
	Token     string
	Action    string
	Details   string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}
