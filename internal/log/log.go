package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, initialized once via Init.
var Logger zerolog.Logger

// Level is a logging severity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration for Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	// ErrorLog, if set, additionally receives every ERROR-and-above entry,
	// duplicated to a dedicated error log.
	ErrorLog io.Writer
	// Tail, if set, receives every entry for the rolling log-tail endpoint.
	Tail *RingBuffer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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
		output = os.Stdout
	}

	writers := []io.Writer{output}
	if cfg.Tail != nil {
		writers = append(writers, cfg.Tail)
	}
	if cfg.ErrorLog != nil {
		writers = append(writers, &levelFilterWriter{level: zerolog.ErrorLevel, out: cfg.ErrorLog})
	}

	var w io.Writer
	if cfg.JSONOutput {
		w = zerolog.MultiLevelWriter(writers...)
	} else {
		console := zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
		rest := writers[1:]
		w = zerolog.MultiLevelWriter(append([]io.Writer{console}, rest...)...)
	}

	Logger = zerolog.New(w).With().Timestamp().Logger()
}

// WithComponent creates a child logger carrying a component field, e.g.
// "pipeline", "quota", "reconcile".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger carrying a node_id field.
func WithNodeID(nodeUUID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeUUID).Logger()
}

// WithSiteID creates a child logger carrying a site_id field.
func WithSiteID(siteUUID string) zerolog.Logger {
	return Logger.With().Str("site_id", siteUUID).Logger()
}

// WithJobID creates a child logger carrying a job_id field.
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }
func Fatal(msg string) { Logger.Fatal().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

// levelFilterWriter forwards only entries at or above level, using the
// level zerolog's multi-level writer passes to WriteLevel; the line itself
// is not parsed.
type levelFilterWriter struct {
	level zerolog.Level
	out   io.Writer
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	// zerolog calls WriteLevel on multi-writers that implement LevelWriter;
	// Write alone (no level context) discards p and reports success, so this
	// type still satisfies io.Writer for non-level callers.
	return len(p), nil
}

func (w *levelFilterWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.level {
		return len(p), nil
	}
	return w.out.Write(p)
}
