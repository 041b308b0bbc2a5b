package cron

import "log/slog"

// cronLogger routes robfig/cron's internal logging into slog. Scheduling
// chatter goes to debug; recovered panics and skipped overlaps keep their level.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
