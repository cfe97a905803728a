package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "s3-backup-agent"

// Init sets up the global zerolog logger on stderr based on the provided level string.
func Init(levelString string) zerolog.Level {
	return Setup(levelString, os.Stderr)
}

// Setup configures the global logger to write to w and returns the effective level.
// Unknown or empty levels fall back to info.
func Setup(levelString string, w io.Writer) zerolog.Level {
	logLevel := zerolog.InfoLevel
	parsedLevel, err := zerolog.ParseLevel(levelString)
	invalid := err != nil
	if !invalid && parsedLevel != zerolog.NoLevel {
		logLevel = parsedLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// colours only help when someone is debugging interactively
	writer := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    logLevel > zerolog.DebugLevel,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Str("service", serviceName).Logger()

	if invalid {
		log.Warn().Str("provided_level", levelString).Err(err).Msg("Invalid LOG_LEVEL, defaulting to 'info'")
	}
	log.Info().Str("log_level", logLevel.String()).Msg("Logger initialized")
	return logLevel
}
