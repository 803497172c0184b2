package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

type accessRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (a *accessRecorder) WriteHeader(code int) {
	if a.status == 0 {
		a.status = code
	}
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(p []byte) (int, error) {
	if a.status == 0 {
		a.status = http.StatusOK
	}
	n, err := a.ResponseWriter.Write(p)
	a.bytes += int64(n)
	return n, err
}

// accessNotes collects attributes added by inner handlers for the access log line.
type accessNotes struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

type accessNotesKey struct{}

// AnnotateRequest adds attrs to the access log entry of the current request.
// Outside WithRequestLog it does nothing.
func AnnotateRequest(ctx context.Context, attrs ...slog.Attr) {
	notes, ok := ctx.Value(accessNotesKey{}).(*accessNotes)
	if !ok {
		return
	}
	notes.mu.Lock()
	notes.attrs = append(notes.attrs, attrs...)
	notes.mu.Unlock()
}

// SetRequestUser records the signed-in user on the access log entry.
func SetRequestUser(ctx context.Context, userID int64) {
	AnnotateRequest(ctx, slog.Int64("user_id", userID))
}

// WithRequestLog writes one "http_request" line per request. Health probes
// are logged at debug and 5xx responses at error.
func WithRequestLog(service string, next http.Handler) http.Handler {
	if service = strings.TrimSpace(service); service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &accessRecorder{ResponseWriter: w}
		notes := &accessNotes{}
		r = r.WithContext(context.WithValue(r.Context(), accessNotesKey{}, notes))

		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []slog.Attr{
			slog.String("service", service),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("bytes", rec.bytes),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", RequestIDFromRequest(r)),
		}
		notes.mu.Lock()
		attrs = append(attrs, notes.attrs...)
		notes.mu.Unlock()

		slog.Default().LogAttrs(r.Context(), accessLevel(r.URL.Path, status), "http_request", attrs...)
	})
}

func accessLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case path == "/healthz":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
