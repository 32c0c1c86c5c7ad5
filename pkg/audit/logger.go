package audit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/auth"
)

// MaxUserAgentLength is the stored user agent limit
const MaxUserAgentLength = 500

// Logger persists activity entries
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
}

// Recorder writes entries on a best-effort basis. Failures are reported to
// the operational log and never returned to the caller.
type Recorder struct {
	logger    Logger
	errLog    *logrus.Logger
	onFailure func()
}

// NewRecorder creates a recorder. errLog receives write failures.
func NewRecorder(logger Logger, errLog *logrus.Logger) *Recorder {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Recorder{logger: logger, errLog: errLog}
}

// OnFailure registers a callback run after each failed write
func (r *Recorder) OnFailure(fn func()) {
	r.onFailure = fn
}

// Record writes entry and swallows any error
func (r *Recorder) Record(ctx context.Context, entry *Entry) {
	if r == nil || entry == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(entry, rec)
		}
	}()
	if err := r.logger.Log(ctx, entry); err != nil {
		r.fail(entry, err)
	}
}

func (r *Recorder) fail(entry *Entry, cause interface{}) {
	if r.onFailure != nil {
		r.onFailure()
	}
	if r.errLog == nil {
		return
	}
	r.errLog.WithFields(logrus.Fields{
		"action":      entry.Action,
		"description": entry.Description,
		"cause":       cause,
	}).Error("activity logging failed")
}

// NoopLogger discards entries
type NoopLogger struct{}

func (NoopLogger) Log(ctx context.Context, entry *Entry) error { return nil }

// MirrorLogger writes entries to a logrus logger as structured lines
type MirrorLogger struct {
	logger *logrus.Logger
}

// NewMirrorLogger creates a logrus-backed logger
func NewMirrorLogger(logger *logrus.Logger) *MirrorLogger {
	return &MirrorLogger{logger: logger}
}

func (m *MirrorLogger) Log(ctx context.Context, e *Entry) error {
	fields := logrus.Fields{
		"audit_action": e.Action,
		"entity_type":  e.EntityType,
		"entity_id":    e.EntityID,
		"ip_address":   e.IPAddress,
	}
	if e.UserID != nil {
		fields["user_id"] = *e.UserID
	}
	if e.SchoolID != nil {
		fields["school_id"] = *e.SchoolID
	}
	m.logger.WithFields(fields).Info(e.Description)
	return nil
}

// MultiLogger writes to several loggers in order and returns the first error
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger fans entries out to loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Log(ctx context.Context, e *Entry) error {
	var firstErr error
	for _, l := range m.loggers {
		if err := l.Log(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewEntry builds an entry attributed to the request's principal, with the
// client address, user agent and a "METHOD path" description filled in.
func NewEntry(r *http.Request, action string) *Entry {
	e := &Entry{
		Action:      action,
		IPAddress:   ClientIP(r),
		UserAgent:   TruncateUserAgent(r.UserAgent()),
		Description: r.Method + " " + RequestPath(r),
	}
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		id := p.ID
		e.UserID = &id
		if p.SchoolID != nil {
			sid := *p.SchoolID
			e.SchoolID = &sid
		}
	}
	return e
}

// RequestPath is the URL path without its leading slash
func RequestPath(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/")
}

// TruncateUserAgent trims ua to MaxUserAgentLength bytes
func TruncateUserAgent(ua string) string {
	if len(ua) > MaxUserAgentLength {
		return ua[:MaxUserAgentLength]
	}
	return ua
}

// ClientIP returns the first forwarded address, then X-Real-IP, then the
// connection's remote host
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
