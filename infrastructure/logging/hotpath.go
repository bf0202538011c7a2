package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HotPath is a zerolog-backed logger for the trace ring buffer and
// processor, where per-event logging (overflow warnings, batch writes) must
// avoid logrus's allocation-heavier Entry/Fields path. Dropped-event and
// write-failure warnings are additionally throttled: a sustained overflow or
// outage would otherwise log once per batch and flood stdout.
type HotPath struct {
	logger    zerolog.Logger
	warnLimit *rate.Limiter
}

// NewHotPath creates a HotPath logger at the given zerolog level name
// ("debug", "info", "warn", "error").
func NewHotPath(component, level string) *HotPath {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return &HotPath{
		logger:    logger,
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// NewHotPathFromEnv reads TRACE_LOG_LEVEL, defaulting to "info".
func NewHotPathFromEnv(component string) *HotPath {
	level := strings.TrimSpace(os.Getenv("TRACE_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	return NewHotPath(component, level)
}

func (h *HotPath) Debug(msg string) { h.logger.Debug().Msg(msg) }

func (h *HotPath) Info(msg string) { h.logger.Info().Msg(msg) }

// Dropped logs a ring-buffer overflow event with the running drop count, at
// most once per second regardless of how often overflow occurs.
func (h *HotPath) Dropped(sessionID string, total uint64) {
	if !h.warnLimit.Allow() {
		return
	}
	h.logger.Warn().
		Str("session_id", sessionID).
		Uint64("total_dropped", total).
		Msg("trace event dropped")
}

// BatchWritten logs a successful processor batch flush.
func (h *HotPath) BatchWritten(batchSize int, duration time.Duration) {
	h.logger.Debug().
		Int("batch_size", batchSize).
		Dur("duration", duration).
		Msg("trace batch written")
}

// WriteFailed logs a storage backend write failure and the retry backoff applied.
func (h *HotPath) WriteFailed(err error, attempt int, backoff time.Duration) {
	if !h.warnLimit.Allow() {
		return
	}
	h.logger.Error().
		Err(err).
		Int("attempt", attempt).
		Dur("backoff", backoff).
		Msg("trace batch write failed")
}
