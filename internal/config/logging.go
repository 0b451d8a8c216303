package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below slog.LevelDebug and carries full wire payloads:
// LLM request bodies, JSON-RPC frames. The value -8 keeps the same
// spacing slog uses between its built-in levels.
const LevelTrace = slog.Level(-8)

// logLevels maps accepted log_level config values. The empty string
// means the field was omitted.
var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts a log_level config value to a slog.Level.
// Matching is case-insensitive and ignores surrounding whitespace.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames labels LevelTrace records as "TRACE". slog
// prints levels it does not know relative to the nearest built-in
// ("DEBUG-4"), which reads like a bug in the output. Pass it as
// ReplaceAttr on the handler options.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
