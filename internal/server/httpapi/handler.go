// Package httpapi exposes the transfer lifecycle over HTTP with gin. It is a
// thin adapter: every route parses its input, calls one service operation
// and maps the result or error to JSON.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/audit"
	"github.com/dmitrijs2005/cipherdrop/internal/server/chunks"
	"github.com/dmitrijs2005/cipherdrop/internal/server/models"
	"github.com/gin-gonic/gin"
)

// Version is reported by the health route.
const Version = "1.0.0"

// Transfers is the lifecycle coordinator as seen by the HTTP layer.
type Transfers interface {
	CreateTransfer(ctx context.Context, publicKey string) (*models.Transfer, error)
	GetAwaitingTransfer(ctx context.Context, token string) (string, time.Time, error)
	UploadWhole(ctx context.Context, token, wrappedKey, filename string, body io.Reader) (int64, error)
	UploadChunk(ctx context.Context, req chunks.ChunkRequest) (chunks.Progress, error)
	FinalizeChunks(ctx context.Context, token, uploadID string, declaredSize int64) (int64, error)
	AbandonUpload(ctx context.Context, token, uploadID string) error
	GetFileInfo(ctx context.Context, token string) (*models.FileInfo, error)
	GetWrappedKey(ctx context.Context, token string) (string, error)
	OpenDownload(ctx context.Context, token string) (io.ReadCloser, *models.FileInfo, error)
	ConfirmDownload(ctx context.Context, token string) (bool, error)
}

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires HTTP routes to the transfer service.
type Handler struct {
	transfers Transfers
	health    Pinger
	baseURL   string
	logger    logging.Logger
}

// NewHandler constructs a Handler. baseURL is used to build receive links.
func NewHandler(transfers Transfers, health Pinger, baseURL string, logger logging.Logger) *Handler {
	return &Handler{
		transfers: transfers,
		health:    health,
		baseURL:   baseURL,
		logger:    logger.With("module", "http"),
	}
}

// NewRouter returns a gin engine with recovery, request logging and every
// route registered.
func (h *Handler) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger(), clientInfo())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.healthCheck)

	api := router.Group("/api")
	api.POST("/create-transfer", h.createTransfer)
	api.GET("/get-public-key/:token", h.getPublicKey)
	api.POST("/upload/:token", h.uploadFile)
	api.POST("/upload-chunk/:token", h.uploadChunk)
	api.POST("/finalize-upload/:token", h.finalizeUpload)
	api.DELETE("/upload/:token/:upload_id", h.abandonUpload)
	api.GET("/get-file-info/:token", h.getFileInfo)
	api.GET("/get-encrypted-key/:token", h.getEncryptedKey)
	api.GET("/download/:token", h.download)
	api.POST("/confirm-download/:token", h.confirmDownload)
}

// clientInfo records the caller address and agent for the audit trail.
func clientInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithClient(c.Request.Context(), audit.Client{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			h.logger.Warn(c.Request.Context(), "request failed", args...)
			return
		}
		h.logger.Debug(c.Request.Context(), "request", args...)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		h.logger.Error(c.Request.Context(), "health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "version": Version})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
}
