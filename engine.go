package identity

import (
	"context"
	"strings"
	"time"

	"github.com/ducknotes/identity/password"
	"github.com/ducknotes/identity/token"
)

// Engine orchestrates the identity flows: registration, login across
// credential sources, refresh rotation, logout, and email confirmation.
//
// Engine instances are configured once through [Builder.Build] and are
// immutable afterwards; all methods are safe for concurrent use.
type Engine struct {
	config  Config
	repo    Repository
	tokens  *token.Manager
	hasher  *password.Argon2
	notify  *notifyDispatcher
	metrics *Metrics
	now     func() time.Time
}

// Close flushes the notification dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.notify != nil {
		e.notify.Close()
	}
}

// MetricsSnapshot copies the current counter values. Empty when metrics are
// disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// NotificationsDropped reports how many events the dispatcher discarded
// because its buffer was saturated.
func (e *Engine) NotificationsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.notify.Dropped()
}

func (e *Engine) ready() error {
	if e == nil || e.repo == nil || e.tokens == nil || e.hasher == nil {
		return ErrEngineNotReady
	}
	return nil
}

// fingerprint resolves the device fingerprint for a request: the explicit
// value wins, the context User-Agent is the fallback.
func (e *Engine) fingerprint(ctx context.Context, explicit string) string {
	fp := strings.TrimSpace(explicit)
	if fp == "" {
		fp = strings.TrimSpace(userAgentFromContext(ctx))
	}
	return fp
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if e.notify == nil {
		return
	}
	event.Timestamp = e.now()
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	e.notify.Emit(ctx, event)
}

func (e *Engine) emitAudit(ctx context.Context, userID, message string) {
	e.emit(ctx, Event{
		Type:    EventAuditLog,
		UserID:  userID,
		Message: message,
	})
}
