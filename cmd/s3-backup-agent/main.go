package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/rs/zerolog/log"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/d4rkfella/s3-backup-agent/internal/config"
	"github.com/d4rkfella/s3-backup-agent/internal/logging"
)

var (
	// version is set during build time.
	version = "dev"
	// commit is set during build time.
	commit = "none"
)

// Exit codes for the different failure classes.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeGeneric indicates a generic or unhandled error.
	ExitCodeGeneric = 1
	// ExitCodeConfigError indicates an error during configuration loading.
	ExitCodeConfigError = 2
	// ExitCodeUsage indicates an unknown command or wrong arguments.
	ExitCodeUsage = 3
	// ExitCodeCredentials indicates Vault login or secret read failed.
	ExitCodeCredentials = 4
	// ExitCodeStorageClient indicates the object store client could not be created.
	ExitCodeStorageClient = 5
	// ExitCodeAccess indicates the bucket is missing or not reachable.
	ExitCodeAccess = 6
	// ExitCodeNotFound indicates the requested backup does not exist.
	ExitCodeNotFound = 7
	// ExitCodeTransfer indicates an upload, download, list or delete failed.
	ExitCodeTransfer = 8
	// ExitCodeLocalFile indicates an error reading or writing a local file.
	ExitCodeLocalFile = 9
	// ExitCodeTimeout indicates OPERATION_TIMEOUT expired.
	ExitCodeTimeout = 10
)

// main is the application entry point. It loads configuration, sets up logging and
// signal handling, and runs the requested command.
func main() {
	logging.Init("info")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitCodeUsage)
	}
	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "help", "--help", "-h":
		printUsage()
		return
	case "version", "--version":
		fmt.Printf("s3-backup-agent %s (%s)\n", version, commit)
		return
	}
	if _, ok := commands[command]; !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(ExitCodeUsage)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Configuration loading failed")
		os.Exit(ExitCodeConfigError)
	}

	// Re-initialize logger with configured level
	logging.Init(cfg.LogLevel)

	setupSystemResources(cfg)

	signalCtx, stopSignalListener := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	exitCode := ExitCodeSuccess
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("stack", string(debug.Stack())).
				Msgf("Unexpected panic: %v", r)
			exitCode = ExitCodeGeneric
		}
		stopSignalListener()
		log.Info().Str("command", command).Int("exit_code", exitCode).Msg("Application exiting")
		os.Exit(exitCode)
	}()

	exitCode = run(signalCtx, cfg, command, args)
}

func printUsage() {
	fmt.Print(`S3 Backup Agent

Stores Home Assistant backups in an S3 bucket.

Usage:
  s3-backup-agent <command> [arguments]

Commands:
  check                              Verify the bucket is reachable
  buckets                            List buckets visible to the credentials
  list                               List stored backups
  get <backup-id>                    Show the record of a backup
  upload <archive> <metadata.json>   Upload an archive with its backup record
  download <backup-id> [dest]        Download an archive (dest defaults to the current directory)
  delete <backup-id>                 Delete a backup
  orphans                            Report archives and records without their counterpart
  serve                              Serve the backup agent HTTP API
  version                            Print the version

Configuration is read from environment variables and the optional TOML file named by CONFIG_FILE.
`)
}

// setupSystemResources configures GOMEMLIMIT and GOMAXPROCS based on available resources.
func setupSystemResources(cfg *config.Config) {
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(cfg.MemoryLimitRatio)); err != nil {
		log.Warn().Str("component", "system").Err(err).Msg("Failed to set GOMEMLIMIT automatically")
	} else {
		log.Debug().Str("component", "system").Float64("ratio", cfg.MemoryLimitRatio).Msg("Automatic GOMEMLIMIT activated")
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(s string, i ...interface{}) { log.Debug().Str("component", "system").Msgf(s, i...) })); err != nil {
		log.Warn().Str("component", "system").Err(err).Msg("Failed to set GOMAXPROCS automatically")
	}
	log.Debug().Str("component", "system").Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("System resources configured")
	log.Info().Str("component", "system").Str("version", version).Str("commit", commit).Msg("Application starting")
}
