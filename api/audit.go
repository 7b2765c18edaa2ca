package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditLogout             AuditEvent = "logout"
	AuditUserCreated        AuditEvent = "user_created"
	AuditPreferencesUpdated AuditEvent = "preferences_updated"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Passwords and remember-me tokens are never passed to it.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	prom    *promMetrics
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	al.prom.observe(event)
}

// logEvent records an event performed by username.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("username", username)}, extra...)...)
}

// logFailure records a failed or refused attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}
