// Package logging configures the process-wide structured logger.
//
// Webhook deliveries arrive from PayPal and Stripe around the clock, so log
// volume is driven by traffic we do not control. Per-delivery noise belongs
// at debug; info is reserved for state changes an operator cares about, such
// as a recorded payment, a claimed license, or a completed follow-up run.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup creates the process logger, installs it as the slog default, and
// returns it. Level accepts debug, info, warn, or error in any case. An
// unrecognized value falls back to info so a typo in LICENSED_LOG_LEVEL
// never silences the process.
func Setup(level string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
