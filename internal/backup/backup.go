// Package backup archives consistent snapshots of the agentbridge databases.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/validation"
)

const (
	archivePrefix = "agentbridge_"
	archiveSuffix = ".tar.gz"
	stampLayout   = "20060102_150405"
)

// Source writes a consistent copy of a database to path
type Source interface {
	Snapshot(ctx context.Context, path string) error
}

// Database is one file in the archive
type Database struct {
	Name   string // file name inside the archive, e.g. history.db
	Source Source
}

// Manager handles backup and restore operations.
type Manager struct {
	backupDir string
	retention int
	interval  time.Duration
	databases []Database
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex // serializes Create
}

// Config holds backup configuration.
type Config struct {
	BackupDir string
	Retention int           // Number of archives to keep
	Interval  time.Duration // How often to run backups (0 = manual only)
}

// Snapshot describes one archive.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Databases []string  `json:"databases,omitempty"`
}

// New creates a new backup Manager.
func New(cfg Config, databases ...Database) (*Manager, error) {
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	for _, db := range databases {
		if _, err := validation.SanitizePath(db.Name); err != nil || strings.Contains(db.Name, "/") {
			return nil, fmt.Errorf("invalid database name %q", db.Name)
		}
	}

	return &Manager{
		backupDir: cfg.BackupDir,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		databases: databases,
		now:       time.Now,
	}, nil
}

// Start begins periodic backup if interval > 0.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Create(ctx); err != nil {
					logger.Warn("⚠️  Backup failed: %v", err)
				}
			}
		}
	}()

	logger.Info("📦 Backup automation started (interval=%v, retention=%d)", m.interval, m.retention)
}

// Stop halts periodic backup.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		logger.Info("📦 Backup automation stopped")
	}
}

// Create snapshots every database into a new archive and enforces the
// retention policy.
func (m *Manager) Create(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.databases) == 0 {
		return nil, errors.New("no databases to back up")
	}

	staging, err := os.MkdirTemp(m.backupDir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	names := make([]string, 0, len(m.databases))
	for _, db := range m.databases {
		if err := db.Source.Snapshot(ctx, filepath.Join(staging, db.Name)); err != nil {
			return nil, fmt.Errorf("snapshot of %s: %w", db.Name, err)
		}
		names = append(names, db.Name)
	}

	timestamp := m.now()
	filename := archivePrefix + timestamp.Format(stampLayout) + archiveSuffix
	backupPath := filepath.Join(m.backupDir, filename)

	// Renamed into place once complete; cleanup removes stale .tmp files
	tmpPath := backupPath + ".tmp"
	if err := writeArchive(tmpPath, staging, names); err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, backupPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize backup: %w", err)
	}

	stat, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Timestamp: timestamp,
		Filename:  filename,
		SizeBytes: stat.Size(),
		Databases: names,
	}
	logger.Info("📦 Created backup: %s (%d bytes)", filename, stat.Size())

	m.enforceRetention()
	return snapshot, nil
}

func writeArchive(path, dir string, names []string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer func() { _ = file.Close() }()

	gw := gzip.NewWriter(file)
	tw := tar.NewWriter(gw)

	for _, name := range names {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return file.Sync()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Restore extracts an archive into targetDir. Existing files are never
// overwritten; restore into an empty directory and swap it in while the
// daemon is stopped.
func (m *Manager) Restore(filename, targetDir string) ([]string, error) {
	if _, err := validation.SanitizePath(filename); err != nil || strings.Contains(filename, "/") {
		return nil, fmt.Errorf("invalid backup name: %s", filename)
	}
	backupPath := filepath.Join(m.backupDir, filename)

	file, err := os.Open(backupPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("backup not found: %s", filename)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = file.Close() }()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	defer func() { _ = gr.Close() }()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	var restored []string
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read backup: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if _, err := validation.SanitizePath(header.Name); err != nil {
			return restored, fmt.Errorf("refusing archive entry: %w", err)
		}

		targetPath := filepath.Join(targetDir, header.Name)
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return restored, fmt.Errorf("failed to create parent directory: %w", err)
		}
		f, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return restored, fmt.Errorf("failed to create %s: %w", header.Name, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return restored, fmt.Errorf("failed to write %s: %w", header.Name, err)
		}
		if err := f.Close(); err != nil {
			return restored, err
		}
		restored = append(restored, header.Name)
	}

	logger.Info("📦 Restored %s into %s", filename, targetDir)
	return restored, nil
}

// ListSnapshots returns all available archives, newest first.
func (m *Manager) ListSnapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
		timestamp, err := time.ParseInLocation(stampLayout, stamp, time.Local)
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Filename:  name,
			SizeBytes: info.Size(),
		})
	}

	// Sort by timestamp descending
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})

	return snapshots, nil
}

// enforceRetention removes old archives beyond the retention limit.
func (m *Manager) enforceRetention() {
	if m.retention <= 0 {
		return
	}
	snapshots, err := m.ListSnapshots()
	if err != nil || len(snapshots) <= m.retention {
		return
	}

	// Remove oldest backups
	for i := m.retention; i < len(snapshots); i++ {
		backupPath := filepath.Join(m.backupDir, snapshots[i].Filename)
		if err := os.Remove(backupPath); err == nil {
			logger.Info("📦 Removed old backup: %s", snapshots[i].Filename)
		}
	}
}
