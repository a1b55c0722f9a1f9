// Package nlog is nebari-go's structured logging wrapper around zerolog.
package nlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global root logger. Init replaces it; subsystems should
// prefer WithComponent over logging to it directly.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re)configures the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given subsystem name,
// e.g. nlog.WithComponent("chunkstore"), nlog.WithComponent("txn").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTree returns a child logger tagged with a tree name.
func WithTree(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("tree", name).Logger()
}
