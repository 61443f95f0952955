// Package xlog provides the structured logger used across the module.
//
// It layers a few extra severities on top of log/slog's stock four levels,
// because the operational vocabulary this library needs (NOTICE between
// Info and Warn; CRITICAL, ALERT and EMERGENCY above Error) doesn't fit
// slog's four-level model. The only process-wide mutable state in this
// module is the default logger set here.
package xlog

import (
	"context"
	"log/slog"
	"os"
)

const (
	LevelNotice    = slog.Level(2)
	LevelCritical  = slog.Level(10)
	LevelAlert     = slog.Level(11)
	LevelEmergency = slog.Level(12)
)

func levelString(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case LevelNotice:
		return "NOTICE"
	case slog.LevelWarn:
		return "WARNING"
	case slog.LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	case LevelAlert:
		return "ALERT"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return l.String()
	}
}

// replaceLevel rewrites the slog.LevelKey attribute to use our extended
// level names instead of slog's default "INFO+4"-style formatting.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(levelString(lvl))
		}
	}
	return a
}

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:       slog.LevelInfo,
	ReplaceAttr: replaceLevel,
}))

// Default returns the module's default logger. Components accept a
// *slog.Logger in their constructors rather than calling Default()
// directly, so tests can inject their own; Default exists for callers
// that construct a component without specifying one.
func Default() *slog.Logger {
	return defaultLogger
}

// SetDefault replaces the module-wide default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// Notice logs at LevelNotice.
func Notice(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelNotice, msg, args...)
}

// Critical logs at LevelCritical.
func Critical(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelCritical, msg, args...)
}
