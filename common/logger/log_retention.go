package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
)

const logFilePrefix = "grok2api-"

// StartLogRetentionCleaner removes daily log files older than retentionDays,
// once now and then every 24 hours until ctx is done.
func StartLogRetentionCleaner(ctx context.Context, retentionDays int, logDir string) {
	if retentionDays <= 0 || strings.TrimSpace(logDir) == "" {
		return
	}

	cleanup := func() {
		removed, err := removeExpiredLogs(time.Now(), retentionDays, logDir)
		if err != nil {
			Logger.Warn("log retention cleanup failed", zap.Error(err))
			return
		}
		if removed > 0 {
			Logger.Info("expired log files removed", zap.Int("count", removed))
		}
	}
	cleanup()

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanup()
			}
		}
	}()
	Logger.Info("log retention cleaner started",
		zap.Int("retention_days", retentionDays),
		zap.String("log_dir", logDir))
}

// logDay reads the day a log file covers from its name, falling back to the
// modification time for files not written by SetupLogger.
func logDay(entry os.DirEntry) (time.Time, bool) {
	name := entry.Name()
	if day, ok := strings.CutPrefix(strings.TrimSuffix(name, ".log"), logFilePrefix); ok {
		if t, err := time.ParseInLocation("20060102", day, time.Local); err == nil {
			return t, true
		}
	}
	info, err := entry.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func removeExpiredLogs(now time.Time, retentionDays int, logDir string) (int, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read log directory")
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".log") {
			continue
		}
		day, ok := logDay(entry)
		if !ok || !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(logDir, entry.Name())
		if err := os.Remove(path); err != nil {
			Logger.Warn("failed to delete expired log file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
