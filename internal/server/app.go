// Package server initializes and runs the relay: it opens the record store,
// builds the artifact and staging storage, and runs the HTTP API, the gRPC
// health service, the retention sweeper and the audit writer until shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/filex"
	"github.com/dmitrijs2005/cipherdrop/internal/logging"
	"github.com/dmitrijs2005/cipherdrop/internal/server/audit"
	"github.com/dmitrijs2005/cipherdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/cipherdrop/internal/server/chunks"
	"github.com/dmitrijs2005/cipherdrop/internal/server/config"
	"github.com/dmitrijs2005/cipherdrop/internal/server/httpapi"
	"github.com/dmitrijs2005/cipherdrop/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/cipherdrop/internal/server/services"
	"github.com/dmitrijs2005/cipherdrop/internal/server/sweeper"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
	"github.com/gin-gonic/gin"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/cipherdrop/internal/server/grpc"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config    *config.Config
	logger    logging.Logger
	errorLog  *log.Logger
	logCloser io.Closer
	db        *sql.DB

	handler  *httpapi.Handler
	grpc     *gs.GRPCServer
	sweeper  *sweeper.Sweeper
	recorder *audit.Recorder
}

// NewApp connects every dependency described by c. The caller runs the app
// with Run, which also releases what NewApp opened.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, logCloser := logging.New(logging.Options{Level: c.LogLevel, File: c.LogFile})
	if logging.ParseLevel(c.LogLevel) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		config:    c,
		logger:    logger,
		errorLog:  slog.NewLogLogger(logger.Slog().Handler(), slog.LevelWarn),
		logCloser: logCloser,
	}
	if err := app.init(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *App) init(ctx context.Context) error {
	c := app.config

	if c.DatabaseDriver == config.DriverSQLite {
		if err := ensureSQLiteDir(c.DatabaseDSN); err != nil {
			return err
		}
	}

	db, rm, err := repomanager.Open(ctx, c.DatabaseDriver, c.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	app.db = db

	if err := rm.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	blobs, err := newBlobStore(ctx, c)
	if err != nil {
		return err
	}

	stagingDir, err := filex.EnsureDir(c.StagingDir)
	if err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}

	clock := timex.SystemClock{}
	store := services.NewTransferStore(db, rm, clock, c.RetentionWindow, app.logger)
	app.recorder = audit.NewRecorder(rm.AuditLog(db), clock, app.logger, audit.DefaultBuffer)

	asm := chunks.NewAssembler(osfs.New(stagingDir), blobs, store, chunks.Limits{
		MaxChunkSize:  c.MaxChunkSize,
		MaxFileSize:   c.MaxFileSize,
		MaxChunks:     c.MaxChunks,
		StagingBudget: c.StagingBudget,
	}, clock, app.logger)

	svc := services.NewTransferService(store, asm, blobs, app.recorder, clock, c.MaxFileSize, app.logger)

	app.handler = httpapi.NewHandler(svc, store, strings.TrimRight(c.BaseURL, "/"), app.logger)
	app.grpc = gs.NewGRPCServer(c.GRPCAddr, store, gs.DefaultProbeInterval, app.logger)
	app.sweeper = sweeper.New(store, blobs, asm, app.recorder, clock, c.SweepInterval, c.RetentionWindow, app.logger)
	return nil
}

// newBlobStore builds the artifact store selected by the storage backend.
func newBlobStore(ctx context.Context, c *config.Config) (blobstore.Store, error) {
	switch c.StorageBackend {
	case config.BackendS3:
		spool, err := spoolFS()
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3Store(ctx, blobstore.S3Options{
			Region:       c.S3Region,
			AccessKey:    c.S3RootUser,
			SecretKey:    c.S3RootPassword,
			BaseEndpoint: c.S3BaseEndpoint,
			Bucket:       c.S3Bucket,
		}, spool)
	default:
		return blobstore.NewLocalStoreDir(c.ArtifactDir)
	}
}

func spoolFS() (billy.Filesystem, error) {
	dir, err := filex.EnsureDir(filepath.Join(os.TempDir(), "cipherdrop"))
	if err != nil {
		return nil, fmt.Errorf("spool dir: %w", err)
	}
	return osfs.New(dir), nil
}

// ensureSQLiteDir creates the parent directory of a file-backed SQLite DSN.
func ensureSQLiteDir(dsn string) error {
	if strings.Contains(dsn, "mode=memory") || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}

	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if u, err := url.PathUnescape(p); err == nil {
		p = u
	}

	dir := filepath.Dir(p)
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := filex.EnsureDir(dir); err != nil {
		return fmt.Errorf("database dir: %w", err)
	}
	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until ctx is cancelled, a signal arrives or a component fails.
func (app *App) Run(ctx context.Context) error {
	defer app.close()

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "http", app.config.HTTPAddr, "grpc", app.config.GRPCAddr)
	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.recorder.Run(ctx) })
	g.Go(func() error { return app.sweeper.Run(ctx) })
	g.Go(func() error { return app.grpc.Run(ctx) })
	g.Go(func() error { return app.runHTTP(ctx) })

	err := g.Wait()
	if err != nil {
		app.logger.Error(ctx, "app stopped with error", "error", err)
	} else {
		app.logger.Info(context.WithoutCancel(ctx), "app stopped")
	}
	return err
}

func (app *App) runHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              app.config.HTTPAddr,
		Handler:           app.handler.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          app.errorLog,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info(ctx, "Starting HTTP server", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	app.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (app *App) close() {
	if app.db != nil {
		_ = app.db.Close()
	}
	if app.logCloser != nil {
		_ = app.logCloser.Close()
	}
}
