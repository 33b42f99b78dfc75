package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/cipherdrop/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string     HTTP bind address (e.g. ":8000")
//	-g string     gRPC health bind address
//	-u string     public base URL
//	-t string     database driver: sqlite | postgres
//	-d string     database DSN
//	-s string     storage backend: local | s3
//	-k string     chunk staging directory
//	-o string     artifact directory (local backend)
//	-w duration   retention window (e.g. "24h")
//	-i duration   sweep interval (e.g. "1h")
//	-m int        maximum file size in bytes
//	-l string     log level
//	-f string     log file (rotated)
//
// S3 settings are read from the environment or the JSON file only.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-u", "-t", "-d", "-s", "-k", "-o", "-w", "-i", "-m", "-l", "-f"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to serve HTTP on")
	fs.StringVar(&config.GRPCAddr, "g", config.GRPCAddr, "address and port to serve gRPC health on")
	fs.StringVar(&config.BaseURL, "u", config.BaseURL, "public base URL")
	fs.StringVar(&config.DatabaseDriver, "t", config.DatabaseDriver, "database driver (sqlite|postgres)")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.StorageBackend, "s", config.StorageBackend, "artifact storage backend (local|s3)")
	fs.StringVar(&config.StagingDir, "k", config.StagingDir, "chunk staging directory")
	fs.StringVar(&config.ArtifactDir, "o", config.ArtifactDir, "artifact directory")
	fs.DurationVar(&config.RetentionWindow, "w", config.RetentionWindow, "transfer retention window")
	fs.DurationVar(&config.SweepInterval, "i", config.SweepInterval, "retention sweep interval")
	fs.Int64Var(&config.MaxFileSize, "m", config.MaxFileSize, "maximum file size in bytes")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.LogFile, "f", config.LogFile, "log file")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
