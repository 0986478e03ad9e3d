// Package telemetry sets up logging, tracing and metrics.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

var secretMarkers = []string{"token", "secret", "api_key", "apikey", "authorization", "password"}

// NewLogger builds a slog logger writing to w. format is "text" or "json".
// Attributes whose key looks like a credential are redacted.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: redact}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, m := range secretMarkers {
		if strings.Contains(key, m) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}
