package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "CIPHERDROP_"

// envLoad is a seam for tests.
var envLoad = godotenv.Load

// parseEnv overlays values from CIPHERDROP_* environment variables. A .env
// file in the working directory is loaded first if present; variables that
// are already set in the process environment win over the file.
//
// Malformed numbers or durations panic, like a malformed JSON config does.
func parseEnv(config *Config) {
	_ = envLoad()

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				panic(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
			*dst = d
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				panic(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
			*dst = n
		}
	}

	str("HTTP_ADDR", &config.HTTPAddr)
	str("GRPC_ADDR", &config.GRPCAddr)
	str("BASE_URL", &config.BaseURL)
	str("DATABASE_DRIVER", &config.DatabaseDriver)
	str("DATABASE_DSN", &config.DatabaseDSN)
	str("STORAGE_BACKEND", &config.StorageBackend)
	str("STAGING_DIR", &config.StagingDir)
	str("ARTIFACT_DIR", &config.ArtifactDir)
	str("S3_ROOT_USER", &config.S3RootUser)
	str("S3_ROOT_PASSWORD", &config.S3RootPassword)
	str("S3_BUCKET", &config.S3Bucket)
	str("S3_REGION", &config.S3Region)
	str("S3_BASE_ENDPOINT", &config.S3BaseEndpoint)
	dur("RETENTION_WINDOW", &config.RetentionWindow)
	dur("SWEEP_INTERVAL", &config.SweepInterval)
	i64("MAX_FILE_SIZE", &config.MaxFileSize)
	i64("MAX_CHUNK_SIZE", &config.MaxChunkSize)
	i64("STAGING_BUDGET", &config.StagingBudget)
	str("LOG_LEVEL", &config.LogLevel)
	str("LOG_FILE", &config.LogFile)

	var maxChunks int64 = int64(config.MaxChunks)
	i64("MAX_CHUNKS", &maxChunks)
	config.MaxChunks = int(maxChunks)
}
