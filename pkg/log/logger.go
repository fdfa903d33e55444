// Package log provides structured logging for the pool services.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger tagged with the connection and, once known, the worker name
func (l *Logger) WithMiner(connID, username string) *Logger {
	if username == "" {
		return l.WithFields("conn_id", connID)
	}
	return l.WithFields("conn_id", connID, "worker", username)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", height)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs the outcome of a mining.submit
func (l *Logger) LogShareSubmission(username, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"worker", username,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs when a share turned out to be a block
func (l *Logger) LogBlockFound(blockHash string, height int64, username string, accepted bool) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", height,
		"worker", username,
		"accepted", accepted,
	)
}

// LogJobBroadcast logs a job pushed to the connected miners
func (l *Logger) LogJobBroadcast(jobID string, height int64, cleanJobs bool, minerCount, failed int) {
	l.Info("job broadcast",
		"job_id", jobID,
		"block_height", height,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
		"failed", failed,
	)
}

// LogDifficultyChange logs a vardiff retarget
func (l *Logger) LogDifficultyChange(connID string, from, to, sharesPerMinute float64) {
	l.Info("difficulty retarget",
		"conn_id", connID,
		"from", from,
		"to", to,
		"shares_per_minute", sharesPerMinute,
	)
}
