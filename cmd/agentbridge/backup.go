package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/HyphaGroup/agentbridge/internal/auth"
	"github.com/HyphaGroup/agentbridge/internal/backup"
	"github.com/HyphaGroup/agentbridge/internal/config"
	"github.com/HyphaGroup/agentbridge/internal/history"
	"github.com/HyphaGroup/agentbridge/internal/schedule"
)

func cmdBackup(args []string) {
	if len(args) < 1 {
		printBackupUsage()
		os.Exit(1)
	}

	cmd := args[0]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printBackupUsage()
		return
	}

	fs := flag.NewFlagSet("backup "+cmd, flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing agentbridge.jsonc")
	target := fs.String("target", "", "Directory to restore into (must not contain the archived files)")
	_ = fs.Parse(args[1:])

	cfg := config.Default()
	if path, err := config.FindConfigPath(*configDir); err == nil {
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
		}
	}

	var err error
	switch cmd {
	case "create":
		err = backupCreate(context.Background(), cfg)
	case "list":
		err = backupList(os.Stdout, cfg)
	case "restore":
		err = backupRestore(cfg, fs.Args(), *target)
	default:
		fmt.Fprintf(os.Stderr, "Unknown backup command: %s\n", cmd)
		printBackupUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printBackupUsage() {
	fmt.Println(`Database Backups

Usage: agentbridge backup <command> [options]

Commands:
  create    Archive the history, schedule and auth databases now
  list      List archives in the backup directory
  restore   Extract an archive into an empty directory
  help      Show this help

Examples:
  agentbridge backup create
  agentbridge backup list
  agentbridge backup restore agentbridge_20260301_020000.tar.gz --target /tmp/restore`)
}

// openDatabases opens every database that already exists under the data
// directory. The returned function closes them.
func openDatabases(cfg *config.Config) ([]backup.Database, func(), error) {
	var (
		databases []backup.Database
		closers   []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	exists := func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}

	if exists(cfg.History.Path) {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening history store: %w", err)
		}
		closers = append(closers, store)
		databases = append(databases, backup.Database{Name: "history.db", Source: store})
	}
	if exists(filepath.Join(cfg.Server.DataDir, "schedules.db")) {
		store, err := schedule.NewStore(cfg.Server.DataDir)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening schedule store: %w", err)
		}
		closers = append(closers, store)
		databases = append(databases, backup.Database{Name: "schedules.db", Source: store})
	}
	if exists(filepath.Join(cfg.Server.DataDir, "auth.db")) {
		store, err := auth.NewStore(cfg.Server.DataDir)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening auth store: %w", err)
		}
		closers = append(closers, store)
		databases = append(databases, backup.Database{Name: "auth.db", Source: store})
	}
	return databases, closeAll, nil
}

func newBackupManager(cfg *config.Config, databases ...backup.Database) (*backup.Manager, error) {
	return backup.New(backup.Config{
		BackupDir: cfg.Backup.Directory,
		Retention: cfg.Backup.Retention,
	}, databases...)
}

func backupCreate(ctx context.Context, cfg *config.Config) error {
	databases, closeAll, err := openDatabases(cfg)
	if err != nil {
		return err
	}
	defer closeAll()
	if len(databases) == 0 {
		return errors.New("no databases found in " + cfg.Server.DataDir)
	}

	m, err := newBackupManager(cfg, databases...)
	if err != nil {
		return err
	}
	snap, err := m.Create(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%d bytes): %v\n", filepath.Join(cfg.Backup.Directory, snap.Filename), snap.SizeBytes, snap.Databases)
	return nil
}

func backupList(w io.Writer, cfg *config.Config) error {
	m, err := newBackupManager(cfg)
	if err != nil {
		return err
	}
	snapshots, err := m.ListSnapshots()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		_, _ = fmt.Fprintf(w, "No backups in %s\n", cfg.Backup.Directory)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FILE\tCREATED\tSIZE")
	for _, s := range snapshots {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", s.Filename, s.Timestamp.Format("2006-01-02 15:04:05"), s.SizeBytes)
	}
	return tw.Flush()
}

func backupRestore(cfg *config.Config, args []string, target string) error {
	if len(args) < 1 {
		return errors.New("archive name required (usage: agentbridge backup restore <file> --target <dir>)")
	}
	if target == "" {
		return errors.New("--target is required")
	}

	m, err := newBackupManager(cfg)
	if err != nil {
		return err
	}
	restored, err := m.Restore(args[0], target)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %v into %s\n", restored, target)
	fmt.Println("Stop agentbridge and move the files into the data directory to use them.")
	return nil
}
