package audit

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for destructive or
// user-visible sync events. All audit events are logged with structured
// fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogStoreOp logs a metadata store lifecycle event.
// operation: store operation (e.g., "recover", "replace", "backup_promote", "delete")
// store: store file name
// result: "succeeded" or "failed"
// details: additional context (e.g., error message)
func (l *Logger) LogStoreOp(operation, store, result, details string) {
	level := zerolog.InfoLevel
	if result == "failed" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("audit_id", uuid.NewString()).
		Str("event_type", "store_operation").
		Str("component", "store").
		Str("operation", operation).
		Str("store", store).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Store operation")
}

// LogEpochReset logs a restart of event tracking. Every sync anchor
// issued before the reset becomes stale, so the host re-enumerates
// everything; that is worth an audit trail entry.
// volumeID: the volume whose tracking restarted
// referenceID: the remote event id the new epoch starts from
// reason: why tracking restarted (e.g., "login", "remote_refresh", "cache_clear")
func (l *Logger) LogEpochReset(volumeID, referenceID, reason string) {
	l.logger.Info().
		Str("audit_id", uuid.NewString()).
		Str("event_type", "epoch_reset").
		Str("volume", volumeID).
		Str("reference_id", referenceID).
		Str("reason", reason).
		Msg("Event tracking epoch reset")
}

// LogEviction logs removal of locally cached content.
// item: the host item identifier
// result: "succeeded" or "failed"
// details: additional context (e.g., error message)
func (l *Logger) LogEviction(item, result, details string) {
	level := zerolog.InfoLevel
	if result == "failed" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("audit_id", uuid.NewString()).
		Str("event_type", "eviction").
		Str("component", "offline").
		Str("item", item).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Content eviction")
}

// LogSessionRefresh logs a bearer token refresh.
// result: "succeeded" or "failed"
// details: additional context
func (l *Logger) LogSessionRefresh(result, details string) {
	level := zerolog.InfoLevel
	if result == "failed" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("audit_id", uuid.NewString()).
		Str("event_type", "session_refresh").
		Str("component", "api").
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Session refresh")
}
