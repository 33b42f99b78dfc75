package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
	"github.com/gin-gonic/gin"
)

// Stable error codes returned in the "code" field.
const (
	CodeNotFound              = "not_found"
	CodeUploadSessionNotFound = "upload_session_not_found"
	CodeAlreadyReceived       = "already_received"
	CodeAlreadyFinalized      = "already_finalized"
	CodeIncompleteUpload      = "incomplete_upload"
	CodeSizeLimitExceeded     = "size_limit_exceeded"
	CodeSizeMismatch          = "size_mismatch"
	CodeInvalidRequest        = "invalid_request"
	CodePersistence           = "persistence_error"
	CodeStagingIO             = "staging_io_error"
	CodeInternal              = "internal_error"
)

// errorStatus maps err to an HTTP status and error code. Order matters: the
// upload session sentinel also matches common.ErrNotFound.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrUploadSessionNotFound):
		return http.StatusNotFound, CodeUploadSessionNotFound
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, common.ErrAlreadyReceived):
		return http.StatusConflict, CodeAlreadyReceived
	case errors.Is(err, common.ErrAlreadyFinalized):
		return http.StatusConflict, CodeAlreadyFinalized
	case errors.Is(err, common.ErrIncompleteUpload):
		return http.StatusUnprocessableEntity, CodeIncompleteUpload
	case errors.Is(err, common.ErrSizeLimitExceeded):
		return http.StatusRequestEntityTooLarge, CodeSizeLimitExceeded
	case errors.Is(err, common.ErrSizeMismatch):
		return http.StatusBadRequest, CodeSizeMismatch
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, common.ErrPersistence):
		return http.StatusInternalServerError, CodePersistence
	case errors.Is(err, common.ErrStagingIO):
		return http.StatusInternalServerError, CodeStagingIO
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeError renders err. Server-side failures are logged and their details
// are not sent to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)

	body := gin.H{"success": false, "code": code, "error": err.Error()}
	if status >= http.StatusInternalServerError {
		h.logger.Error(c.Request.Context(), "request error", "path", c.FullPath(), "error", err)
		body["error"] = http.StatusText(status)
	}

	var inc *common.IncompleteUploadError
	if errors.As(err, &inc) {
		body["received"] = inc.Received
		body["expected"] = inc.Expected
		body["missing"] = inc.Missing()
	}

	c.AbortWithStatusJSON(status, body)
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "code": CodeInvalidRequest, "error": msg})
}
