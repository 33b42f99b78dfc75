package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/cipherdrop/internal/server/chunks"
	"github.com/gin-gonic/gin"
)

// maxFieldBytes bounds a single non-file multipart field.
const maxFieldBytes = 64 << 10

var errFieldTooLarge = errors.New("form field too large")

type createTransferRequest struct {
	PublicKey string `json:"public_key"`
}

func (h *Handler) createTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}

	t, err := h.transfers.CreateTransfer(c.Request.Context(), req.PublicKey)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"url_token":   t.Token,
		"expires_at":  t.ExpiresAt,
		"receive_url": fmt.Sprintf("%s/receive/%s", h.baseURL, t.Token),
	})
}

func (h *Handler) getPublicKey(c *gin.Context) {
	publicKey, expiresAt, err := h.transfers.GetAwaitingTransfer(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": publicKey, "expires_at": expiresAt})
}

// uploadFile takes multipart fields encrypted_aes_key and original_filename
// followed by the file part, which is streamed without buffering.
func (h *Handler) uploadFile(c *gin.Context) {
	fields, file, err := nextFilePart(c.Request, "file")
	if err != nil {
		h.badRequest(c, err.Error())
		return
	}
	defer file.Close()

	size, err := h.transfers.UploadWhole(c.Request.Context(), c.Param("token"),
		fields["encrypted_aes_key"], fields["original_filename"], file)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "file uploaded", "file_size": size})
}

// uploadChunk takes upload_id, chunk_index, total_chunks and optionally
// encrypted_aes_key and original_filename, followed by the chunk part.
func (h *Handler) uploadChunk(c *gin.Context) {
	fields, chunk, err := nextFilePart(c.Request, "chunk")
	if err != nil {
		h.badRequest(c, err.Error())
		return
	}
	defer chunk.Close()

	index, err := strconv.Atoi(fields["chunk_index"])
	if err != nil {
		h.badRequest(c, "invalid chunk_index")
		return
	}
	total, err := strconv.Atoi(fields["total_chunks"])
	if err != nil {
		h.badRequest(c, "invalid total_chunks")
		return
	}

	p, err := h.transfers.UploadChunk(c.Request.Context(), chunks.ChunkRequest{
		Token:      c.Param("token"),
		UploadID:   fields["upload_id"],
		Index:      index,
		Total:      total,
		WrappedKey: fields["encrypted_aes_key"],
		Filename:   fields["original_filename"],
		Data:       chunk,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"chunks_received": p.Received,
		"total_chunks":    p.Total,
		"complete":        p.Complete,
	})
}

type finalizeRequest struct {
	UploadID string `json:"upload_id" binding:"required"`
	FileSize int64  `json:"file_size"`
}

func (h *Handler) finalizeUpload(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}

	size, err := h.transfers.FinalizeChunks(c.Request.Context(), c.Param("token"), req.UploadID, req.FileSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "file uploaded", "file_size": size})
}

func (h *Handler) abandonUpload(c *gin.Context) {
	if err := h.transfers.AbandonUpload(c.Request.Context(), c.Param("token"), c.Param("upload_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getFileInfo(c *gin.Context) {
	info, err := h.transfers.GetFileInfo(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"original_filename": info.Filename,
		"file_size":         info.Size,
		"digest":            info.Digest,
		"created_at":        info.CreatedAt,
		"expires_at":        info.ExpiresAt,
	})
}

func (h *Handler) getEncryptedKey(c *gin.Context) {
	key, err := h.transfers.GetWrappedKey(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"encrypted_aes_key": key})
}

func (h *Handler) download(c *gin.Context) {
	token := c.Param("token")
	rc, info, err := h.transfers.OpenDownload(c.Request.Context(), token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, info.Size, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s.bin"`, token),
		"X-Content-Digest":    "blake2b-256=" + info.Digest,
	})
}

func (h *Handler) confirmDownload(c *gin.Context) {
	ok, err := h.transfers.ConfirmDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok, "message": "file deleted"})
}

// nextFilePart reads plain fields until the part named fileField and returns
// them with that part positioned at its first byte.
func nextFilePart(r *http.Request, fileField string) (map[string]string, *multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, errors.New("invalid multipart form")
	}

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%s is required", fileField)
		}
		if err != nil {
			return nil, nil, errors.New("invalid multipart form")
		}

		name := part.FormName()
		if name == fileField {
			return fields, part, nil
		}

		b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		_ = part.Close()
		if err != nil {
			return nil, nil, errors.New("invalid multipart form")
		}
		if len(b) > maxFieldBytes {
			return nil, nil, fmt.Errorf("%w: %s", errFieldTooLarge, name)
		}
		fields[name] = string(b)
	}
}
