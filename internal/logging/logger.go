// Package logging configures the global zerolog logger for the discovery
// binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv selects the log level: debug, info, warn, error (default: info).
const LevelEnv = "DISCOVERY_LOG_LEVEL"

// FormatEnv selects the output format: "console" or "json". Lambda defaults to
// json so CloudWatch can index the fields; everything else defaults to console.
const FormatEnv = "DISCOVERY_LOG_FORMAT"

// Init initializes the global logger from the environment.
func Init() {
	InitWithOutput(os.Stderr)
}

// InitWithOutput is Init writing to w.
func InitWithOutput(w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(os.Getenv(LevelEnv)))

	if useJSON() {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// ParseLevel maps a level name to a zerolog level. Unknown names are info.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func useJSON() bool {
	switch strings.ToLower(os.Getenv(FormatEnv)) {
	case "json":
		return true
	case "console":
		return false
	}
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}
