// Package logger provides process-wide logging for agentbridge.
//
// logger.go - Printf-style console + file logger
//
// This file contains:
// - Init / Close lifecycle for the global logger
// - Info, Warn, Error, Printf, Fatalf helpers
//
// Before Init is called every helper is a no-op, so library packages can log
// unconditionally and tests stay quiet.

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	instance *Logger
	once     sync.Once
)

// Logger handles dual logging to console and file
type Logger struct {
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	logFile     *os.File
	mu          sync.Mutex
}

// Init initializes the global logger instance
func Init(logDir string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(logDir)
	})
	return initErr
}

// logFileName returns the dated log file name shared by both loggers
func logFileName(now time.Time) string {
	return fmt.Sprintf("agentbridge-%s.log", now.Format("2006-01-02"))
}

// openLogFile creates logDir if needed and opens today's log file for append
func openLogFile(logDir string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logDir, logFileName(time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func newLogger(logDir string) (*Logger, error) {
	logFile, err := openLogFile(logDir)
	if err != nil {
		return nil, err
	}
	return newWithWriters(io.MultiWriter(os.Stdout, logFile), io.MultiWriter(os.Stderr, logFile), logFile), nil
}

func newWithWriters(out, errOut io.Writer, f *os.File) *Logger {
	return &Logger{
		infoLogger:  log.New(out, "", log.LstdFlags),
		warnLogger:  log.New(out, "WARN: ", log.LstdFlags),
		errorLogger: log.New(errOut, "ERROR: ", log.LstdFlags),
		logFile:     f,
	}
}

// Close closes the log file
func Close() error {
	if instance != nil && instance.logFile != nil {
		return instance.logFile.Close()
	}
	return nil
}

func (l *Logger) printf(target *log.Logger, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	target.Printf(format, v...)
}

// Info logs an informational message
func Info(format string, v ...any) {
	if instance != nil {
		instance.printf(instance.infoLogger, format, v...)
	}
}

// Warn logs a recoverable problem
func Warn(format string, v ...any) {
	if instance != nil {
		instance.printf(instance.warnLogger, format, v...)
	}
}

// Error logs an error message
func Error(format string, v ...any) {
	if instance != nil {
		instance.printf(instance.errorLogger, format, v...)
	}
}

// Printf logs a formatted message
func Printf(format string, v ...any) {
	Info(format, v...)
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...any) {
	if instance != nil {
		instance.mu.Lock()
		instance.errorLogger.Fatalf(format, v...)
		instance.mu.Unlock()
	} else {
		log.Fatalf(format, v...)
	}
}
