// Package logging provides structured logging for the CRA resolver: a
// logrus-backed domain Logger for session/policy/resolution events, and a
// zerolog-backed HotPath logger (hotpath.go) for the trace ring buffer and
// processor where allocation-light, line-oriented logging matters.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried alongside a resolution.
type ContextKey string

const (
	// SessionIDKey is the context key for the active session ID.
	SessionIDKey ContextKey = "session_id"
	// AtlasIDKey is the context key for the atlas the session was opened against.
	AtlasIDKey ContextKey = "atlas_id"
	// CallerIDKey is the context key for the caller/agent identity.
	CallerIDKey ContextKey = "caller_id"
	// ComponentKey is the context key for the CRA component name.
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with CRA domain fields.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component ("resolver", "atlas", "trace", ...).
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT, defaulting
// to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext creates a log entry carrying whatever CRA context values are
// present on ctx (session, atlas, caller).
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if sessionID := ctx.Value(SessionIDKey); sessionID != nil {
		entry = entry.WithField("session_id", sessionID)
	}
	if atlasID := ctx.Value(AtlasIDKey); atlasID != nil {
		entry = entry.WithField("atlas_id", atlasID)
	}
	if callerID := ctx.Value(CallerIDKey); callerID != nil {
		entry = entry.WithField("caller_id", callerID)
	}

	return entry
}

// WithSession creates a log entry scoped to a session ID directly, for call
// sites that have the ID but not a context.
func (l *Logger) WithSession(sessionID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component":  l.component,
		"session_id": sessionID,
	})
}

// WithFields creates a log entry with arbitrary additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a log entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// Context helpers.

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func SessionIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

func WithAtlasID(ctx context.Context, atlasID string) context.Context {
	return context.WithValue(ctx, AtlasIDKey, atlasID)
}

func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, CallerIDKey, callerID)
}

// Domain-specific helpers, mirroring the audit/security logging pattern the
// rest of the module's ambient logging follows.

// LogResolution logs the outcome of a CreateSession/Resolve/Execute call.
func (l *Logger) LogResolution(ctx context.Context, operation string, decision string, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"operation":   operation,
		"decision":    decision,
		"duration_ms": duration.Milliseconds(),
	}).Info("resolution")
}

// LogPolicyDecision logs a single policy-phase outcome (deny, requires_approval, rate_limit, allow, default).
func (l *Logger) LogPolicyDecision(ctx context.Context, actionID, phase string, matched bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action_id": actionID,
		"phase":     phase,
		"matched":   matched,
	}).Debug("policy decision")
}

// LogAudit logs a CARP-level audit event (session lifecycle, atlas load/unload).
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit")
}

// LogSecurityEvent logs a security-relevant anomaly (chain verification
// failure, repeated deny, rate-limit storm).
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event_type": eventType,
		"severity":   "security",
	}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// Global default logger, mirroring the ambient-logging convention used
// throughout the module so packages without a constructed Logger still log
// consistently.
var defaultLogger *Logger

// InitDefault initializes the process-wide default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the process-wide default logger, lazily constructing a
// fallback if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("cra", "info", "json")
	}
	return defaultLogger
}
