package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// sensitivePatterns mark errors that may echo credentials or backend
// identities
var sensitivePatterns = []string{
	"agb_",
	"bearer",
	"token",
	"password",
	"secret",
	"user_id",
	"userid",
}

// internalErrorPatterns mark storage and transport failures
var internalErrorPatterns = []string{
	"sqlite",
	"database is locked",
	"sql:",
	"websocket:",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"context canceled",
	"EOF",
}

// SanitizeError returns a client-safe error message.
// Internal details are logged but not exposed to clients.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	// Task outcomes and usage errors are addressed to the caller
	switch agent.ErrorKind(err) {
	case agent.KindTimeout, agent.KindRemote, agent.KindCancelled:
		return err
	case agent.KindConnection:
		logger.Error("%s failed (connection): %v", operation, err)
		return fmt.Errorf("%s failed: agent backend unavailable", operation)
	}
	if errors.Is(err, agent.ErrTaskInFlight) || errors.Is(err, agent.ErrNoActiveTask) {
		return err
	}

	errStr := err.Error()

	// Check for sensitive information
	for _, pattern := range sensitivePatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}

	// Check for internal error patterns
	for _, pattern := range internalErrorPatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	// For other errors, still log the full error but return a generic message
	// unless it looks like a user-facing error (validation, not found, etc.)
	if isUserFacingError(errStr) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(errStr))
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(errStr string) bool {
	userFacingPatterns := []string{
		"not found",
		"already exists",
		"invalid",
		"required",
		"must be",
		"cannot be",
		"is not",
		"exceeded",
		"limit",
	}

	lower := strings.ToLower(errStr)
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage extracts a safe portion of the error or returns generic text
func genericErrorMessage(errStr string) string {
	// If it's short and doesn't contain sensitive info, it's probably safe
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}
