// Package logger builds the slog loggers used across the gateway and holds
// the helpers that keep credentials out of log lines.
package logger

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"
)

// New returns a text logger writing to w at the given level ("debug",
// "info", "warn", "error"). Unknown levels fall back to info.
func New(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
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

// Discard is a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Mask keeps the first and last rune of v and hides the rest.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	if utf8.RuneCountInString(v) <= 8 {
		return "<redacted>"
	}
	first, _ := utf8.DecodeRuneInString(v)
	last, _ := utf8.DecodeLastRuneInString(v)
	return string(first) + "*****" + string(last)
}

var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
}

// SafeHeaders renders headers for logging with credential values masked.
func SafeHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := h.Get(k)
		if v == "" {
			continue
		}
		if sensitiveHeaders[http.CanonicalHeaderKey(k)] {
			v = Mask(v)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}
