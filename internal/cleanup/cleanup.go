// Package cleanup prunes expired task history and schedule executions and
// watches disk usage of the data directory.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// Pruner deletes rows older than a cutoff and reports how many went
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Target is a named store the cleaner prunes
type Target struct {
	Name   string
	Pruner Pruner
}

// Cleaner performs periodic cleanup.
type Cleaner struct {
	dataDir   string
	interval  time.Duration
	retention time.Duration
	diskWarn  float64
	diskError float64
	targets   []Target
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds cleanup configuration.
type Config struct {
	DataDir          string
	Interval         time.Duration // How often to run cleanup
	Retention        time.Duration // How long to keep history and executions
	DiskWarnPercent  float64       // Warn at this disk usage percentage
	DiskErrorPercent float64       // Error at this disk usage percentage
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:          dataDir,
		Interval:         time.Hour,
		Retention:        30 * 24 * time.Hour,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// New creates a new Cleaner pruning targets.
func New(cfg Config, targets ...Target) *Cleaner {
	return &Cleaner{
		dataDir:   cfg.DataDir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		diskWarn:  cfg.DiskWarnPercent,
		diskError: cfg.DiskErrorPercent,
		targets:   targets,
		now:       time.Now,
	}
}

// Start begins the periodic cleanup loop.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		// Run immediately on start
		c.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()

	logger.Info("🧹 Cleanup started (interval=%v, retention=%v)", c.interval, c.retention)
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		logger.Info("🧹 Cleanup stopped")
	}
}

// RunOnce performs every cleanup task and returns the number of rows pruned.
func (c *Cleaner) RunOnce(ctx context.Context) int64 {
	removed := c.pruneTargets(ctx)
	c.cleanupTmpFiles()
	c.checkDiskUsage()
	return removed
}

// pruneTargets deletes rows older than retention from every target.
func (c *Cleaner) pruneTargets(ctx context.Context) int64 {
	if c.retention <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.retention)

	var total int64
	for _, t := range c.targets {
		n, err := t.Pruner.Prune(ctx, cutoff)
		if err != nil {
			logger.Warn("⚠️  Cleanup of %s failed: %v", t.Name, err)
			continue
		}
		if n > 0 {
			logger.Info("🧹 Pruned %d %s rows older than %s", n, t.Name, cutoff.Format(time.RFC3339))
		}
		total += n
	}
	return total
}

// cleanupTmpFiles removes orphaned .tmp files, such as interrupted backup
// staging files, older than a day.
func (c *Cleaner) cleanupTmpFiles() {
	cutoff := c.now().Add(-24 * time.Hour)
	var removed int

	err := filepath.Walk(c.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".tmp") && info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	if err != nil {
		logger.Warn("⚠️  Cleanup walk error: %v", err)
	}
	if removed > 0 {
		logger.Info("🧹 Removed %d orphaned .tmp files", removed)
	}
}

// checkDiskUsage monitors disk usage and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	_, _, usedPercent, err := c.DiskUsage()
	if err != nil {
		return
	}

	if usedPercent >= c.diskError {
		logger.Error("🔴 CRITICAL: Disk usage at %.1f%% (data dir)", usedPercent)
	} else if usedPercent >= c.diskWarn {
		logger.Warn("🟠 WARNING: Disk usage at %.1f%% (data dir)", usedPercent)
	}
}

// DiskUsage returns current disk usage stats for the data directory.
func (c *Cleaner) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat unix.Statfs_t
	if err = unix.Statfs(c.dataDir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
