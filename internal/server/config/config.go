// Package config handles configuration for the cipherdrop server: defaults,
// environment (optionally from a .env file), a JSON overlay and finally
// command-line flags, each layer overriding the previous one.
package config

import (
	"fmt"
	"time"
)

// Supported values for DatabaseDriver and StorageBackend.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config holds runtime settings for the cipherdrop server.
//
// Fields:
//   - HTTPAddr / GRPCAddr: bind addresses for the API and the gRPC health endpoint.
//   - BaseURL: public origin used to build receive links.
//   - DatabaseDriver / DatabaseDSN: "sqlite" (modernc) or "postgres" (pgx).
//   - StorageBackend: where finished artifacts live, "local" or "s3".
//   - StagingDir: chunk staging root (always local disk).
//   - ArtifactDir: artifact root for the local backend.
//   - S3*: object storage settings for the s3 backend (MinIO compatible).
//   - RetentionWindow: lifetime of a transfer; also the stale-session bound.
//   - SweepInterval: period of the retention sweeper.
//   - MaxFileSize / MaxChunkSize / MaxChunks: upload limits.
//   - StagingBudget: global cap on staged chunk bytes, 0 disables it.
//   - LogLevel / LogFile: logging verbosity and optional rotated log file.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	BaseURL         string
	DatabaseDriver  string
	DatabaseDSN     string
	StorageBackend  string
	StagingDir      string
	ArtifactDir     string
	S3RootUser      string
	S3RootPassword  string
	S3Bucket        string
	S3Region        string
	S3BaseEndpoint  string
	RetentionWindow time.Duration
	SweepInterval   time.Duration
	MaxFileSize     int64
	MaxChunkSize    int64
	MaxChunks       int
	StagingBudget   int64
	LogLevel        string
	LogFile         string
}

// LoadDefaults populates Config with development defaults matching a single
// node deployment: SQLite database and local artifact storage.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8000"
	c.GRPCAddr = ":50051"
	c.BaseURL = "http://localhost:8000"
	c.DatabaseDriver = DriverSQLite
	c.DatabaseDSN = "file:data/database.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	c.StorageBackend = BackendLocal
	c.StagingDir = "uploads/chunks"
	c.ArtifactDir = "uploads/artifacts"
	c.S3RootUser = "admin"
	c.S3RootPassword = "secretpassword"
	c.S3Bucket = "cipherdrop"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.RetentionWindow = 24 * time.Hour
	c.SweepInterval = time.Hour
	c.MaxFileSize = 2 << 30
	c.MaxChunkSize = 16 << 20
	c.MaxChunks = 4096
	c.StagingBudget = 0
	c.LogLevel = "info"
	c.LogFile = ""
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	switch c.StorageBackend {
	case BackendLocal, BackendS3:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.StorageBackend)
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention window must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.MaxFileSize <= 0 || c.MaxChunkSize <= 0 || c.MaxChunks <= 0 {
		return fmt.Errorf("upload limits must be positive")
	}
	if c.StagingBudget < 0 {
		return fmt.Errorf("staging budget must not be negative")
	}
	return nil
}

// LoadConfig builds a Config by applying defaults, then the environment,
// then an optional JSON file and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
