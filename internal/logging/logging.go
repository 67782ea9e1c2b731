// Package logging provides structured logging for the tunnel relay and client.
package logging

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Short renders an opaque identifier (client ID or topic) as its first four bytes in hex.
// Full values are bearer tokens and are never logged.
func Short(b []byte) string {
	if len(b) > 4 {
		b = b[:4]
	}
	return hex.EncodeToString(b)
}

// Common attribute keys for consistent logging.
const (
	KeyClientID    = "client_id"
	KeyTopic       = "topic"
	KeyPort        = "port"
	KeyMessage     = "message"
	KeyAddress     = "address"
	KeyTransport   = "transport"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyRemoteAddr  = "remote_addr"
	KeyLocalAddr   = "local_addr"
	KeyDuration    = "duration"
	KeyCount       = "count"
	KeyAttempt     = "attempt"
	KeyDelay       = "delay"
	KeyBytesIn     = "bytes_in"
	KeyBytesOut    = "bytes_out"
	KeyFingerprint = "fingerprint"
)
