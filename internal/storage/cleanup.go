// Package storage manages the on-disk working directories: creating them,
// checking they are writable and pruning leftovers.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Target is a directory to prune. An empty Pattern matches every file.
type Target struct {
	Dir     string
	Pattern string
}

// CleanResult summarizes one pruning pass.
type CleanResult struct {
	Removed int
	Bytes   int64
}

// CleanStale removes regular files older than olderThan from each target.
// Subdirectories are left alone. Failures are logged and skipped.
func CleanStale(logger *slog.Logger, olderThan time.Duration, now time.Time, targets ...Target) CleanResult {
	var res CleanResult
	if olderThan <= 0 {
		return res
	}
	cutoff := now.Add(-olderThan)

	for _, target := range targets {
		dir := strings.TrimSpace(target.Dir)
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if target.Pattern != "" {
				if matched, err := filepath.Match(target.Pattern, name); err != nil || !matched {
					continue
				}
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				logger.Warn("stale file remove failed", "path", path, "err", err)
				continue
			}
			res.Removed++
			res.Bytes += info.Size()
		}
	}
	if res.Removed > 0 {
		logger.Info("removed stale files", "count", res.Removed, "size", humanize.IBytes(uint64(res.Bytes)))
	}
	return res
}

// RunCleaner prunes immediately and then every interval until ctx is done.
func RunCleaner(ctx context.Context, logger *slog.Logger, interval, olderThan time.Duration, targets ...Target) {
	CleanStale(logger, olderThan, time.Now(), targets...)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			CleanStale(logger, olderThan, now, targets...)
		}
	}
}

// EnsureDirs creates every directory that does not exist yet.
func EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// CheckWritable verifies a file can be created in dir.
func CheckWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
