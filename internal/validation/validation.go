// Package validation checks identifiers and paths that arrive from callers
// before they reach the task client, the stores or the filesystem.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxTaskIDLength       = 128
	maxScheduleNameLength = 64
)

var (
	// UUIDRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// SafePathRegex matches safe path components (alphanumeric, dash, underscore, dot)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// Task ids are uuids when generated here; the backend may use its own
	// format for tasks it started
	taskIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateTokenID validates an API token ID
func ValidateTokenID(id string) error {
	return ValidateUUID(id)
}

// ValidateTaskID validates a task ID
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if len(id) > maxTaskIDLength {
		return fmt.Errorf("task ID longer than %d characters", maxTaskIDLength)
	}
	if !taskIDRegex.MatchString(id) {
		return fmt.Errorf("invalid task ID format: %q", id)
	}
	return nil
}

// ValidateScheduleName validates a schedule name. Names appear in URLs and
// log lines, so they are restricted to safe path characters.
func ValidateScheduleName(name string) error {
	if name == "" {
		return fmt.Errorf("schedule name cannot be empty")
	}
	if len(name) > maxScheduleNameLength {
		return fmt.Errorf("schedule name longer than %d characters", maxScheduleNameLength)
	}
	if !safePathRegex.MatchString(name) || strings.Trim(name, ".") == "" {
		return fmt.Errorf("invalid schedule name: %q (use letters, digits, '-', '_' and '.')", name)
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path components
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	// Reject obvious traversal attempts
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	// Reject absolute paths when relative expected
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	// Split and validate each component
	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue // Allow trailing/leading slashes
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}
