// Package telemetry builds the process-wide slog logger: JSON lines to
// stdout and logs/system.jsonl under the conductor home, with secret
// redaction applied before anything is written.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/triagent/conductor/internal/shared"
)

// sensitiveKeyTokens flags attribute keys whose values must never reach a
// sink, no matter what they contain.
var sensitiveKeyTokens = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

// NewLogger returns the process logger and the log file to close on
// shutdown. Records go to logs/system.jsonl, and to stdout unless quiet.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "conductor", "trace_id", "-")
	return logger, file, nil
}

// redactAttr renames the time key and scrubs secrets from both attribute
// keys and string values before a record is encoded.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Values carrying auth material are dropped wholesale; partial
	// redaction is not worth the risk of a pattern miss.
	if strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
