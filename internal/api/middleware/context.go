package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
)

type contextKey string

const loggerKey contextKey = "logger"

// WithLogger stores a request-scoped logger.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFrom returns the request logger, or the default logger when the
// Logger middleware did not run.
func LoggerFrom(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// ClientIP returns the host part of RemoteAddr, which chi's RealIP has
// already rewritten when a proxy header is present.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
