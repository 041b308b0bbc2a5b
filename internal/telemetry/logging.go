package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

const redacted = "[REDACTED]"

// sensitiveKeys mark attributes whose value is never logged.
var sensitiveKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// Logger is the process logger plus the handles serve needs to retune and
// close it.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *lumberjack.Logger
}

// NewLogger writes JSON lines to <home>/logs/capsule.jsonl, rotated per
// rot, and mirrors them to stdout unless quiet.
func NewLogger(homeDir, level string, rot config.LogFileConfig, quiet bool) (*Logger, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "capsule.jsonl"),
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	l := &Logger{level: new(slog.LevelVar), file: file}
	l.level.Set(ParseLevel(level))
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l.level, ReplaceAttr: scrub})
	l.Logger = slog.New(handler).With("component", "capsule", "trace_id", "-")
	return l, nil
}

// SetLevel changes the minimum level of every logger derived from l.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

func (l *Logger) Close() error { return l.file.Close() }

// scrub renames the time key and masks credentials in attribute values.
func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(shared.Redact(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(shared.Redact(err.Error()))
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config string to a level; unknown values mean info.
func ParseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ForTurn returns a logger carrying the ids attached to ctx by the shared
// package (trace, context, task, schedule). Empty ids are omitted.
func ForTurn(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	for _, kv := range [][2]string{
		{"context_id", shared.ContextID(ctx)},
		{"task_id", shared.TaskID(ctx)},
		{"schedule_id", shared.ScheduleID(ctx)},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return logger.With(attrs...)
}
