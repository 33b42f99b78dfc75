package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/cipherdrop/internal/flagx"
	"github.com/dmitrijs2005/cipherdrop/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations use
// timex.Duration so both "24h" and integer nanoseconds are accepted.
// Only keys present in the file override earlier layers.
type JsonConfig struct {
	HTTPAddr        string         `json:"http_addr"`
	GRPCAddr        string         `json:"grpc_addr"`
	BaseURL         string         `json:"base_url"`
	DatabaseDriver  string         `json:"database_driver"`
	DatabaseDSN     string         `json:"database_dsn"`
	StorageBackend  string         `json:"storage_backend"`
	StagingDir      string         `json:"staging_dir"`
	ArtifactDir     string         `json:"artifact_dir"`
	S3RootUser      string         `json:"s3_root_user"`
	S3RootPassword  string         `json:"s3_root_password"`
	S3Bucket        string         `json:"s3_bucket"`
	S3Region        string         `json:"s3_region"`
	S3BaseEndpoint  string         `json:"s3_base_endpoint"`
	RetentionWindow timex.Duration `json:"retention_window"`
	SweepInterval   timex.Duration `json:"sweep_interval"`
	MaxFileSize     int64          `json:"max_file_size"`
	MaxChunkSize    int64          `json:"max_chunk_size"`
	MaxChunks       int            `json:"max_chunks"`
	StagingBudget   *int64         `json:"staging_budget"`
	LogLevel        string         `json:"log_level"`
	LogFile         string         `json:"log_file"`
}

// parseJson loads the JSON file named by -c/-config (or CIPHERDROP_CONFIG)
// and overlays its non-empty values onto config. No path means no-op.
// An unreadable file or invalid JSON panics.
func parseJson(config *Config) {

	jsonConfigFile := flagx.ConfigFilePath(EnvPrefix + "CONFIG")

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&config.HTTPAddr, c.HTTPAddr)
	set(&config.GRPCAddr, c.GRPCAddr)
	set(&config.BaseURL, c.BaseURL)
	set(&config.DatabaseDriver, c.DatabaseDriver)
	set(&config.DatabaseDSN, c.DatabaseDSN)
	set(&config.StorageBackend, c.StorageBackend)
	set(&config.StagingDir, c.StagingDir)
	set(&config.ArtifactDir, c.ArtifactDir)
	set(&config.S3RootUser, c.S3RootUser)
	set(&config.S3RootPassword, c.S3RootPassword)
	set(&config.S3Bucket, c.S3Bucket)
	set(&config.S3Region, c.S3Region)
	set(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	set(&config.LogLevel, c.LogLevel)
	set(&config.LogFile, c.LogFile)

	if c.RetentionWindow.Duration > 0 {
		config.RetentionWindow = c.RetentionWindow.Duration
	}
	if c.SweepInterval.Duration > 0 {
		config.SweepInterval = c.SweepInterval.Duration
	}
	if c.MaxFileSize > 0 {
		config.MaxFileSize = c.MaxFileSize
	}
	if c.MaxChunkSize > 0 {
		config.MaxChunkSize = c.MaxChunkSize
	}
	if c.MaxChunks > 0 {
		config.MaxChunks = c.MaxChunks
	}
	if c.StagingBudget != nil {
		config.StagingBudget = *c.StagingBudget
	}
}
