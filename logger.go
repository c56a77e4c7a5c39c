package proposalflow

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// logLevelEnv names the environment variable the logger constructors consult
// for their default minimum level.
const logLevelEnv = "PROPOSALFLOW_LOG_LEVEL"

// LogLevel resolves the level named by PROPOSALFLOW_LOG_LEVEL. Unset or
// unrecognized values default to info.
func LogLevel() slog.Level {
	switch strings.ToLower(os.Getenv(logLevelEnv)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a logger for interactive use: colorized output when
// stdout is a terminal, minimum level taken from PROPOSALFLOW_LOG_LEVEL.
func NewLogger() *slog.Logger {
	return NewLoggerWithLevel(LogLevel())
}

// NewLoggerWithLevel is NewLogger with an explicit minimum level.
func NewLoggerWithLevel(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	}))
}

// NewJSONLogger returns a logger that writes JSON lines to stdout, for
// non-interactive runs. The minimum level comes from PROPOSALFLOW_LOG_LEVEL.
func NewJSONLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: LogLevel(),
	}))
}
