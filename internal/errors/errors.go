// Package errors provides structured CLI error types for tether.
//
// CLIError wraps errors with user-facing messages, hints, and exit codes
// to provide consistent, actionable error output across all commands.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes for CLI errors.
const (
	ExitSuccess   = 0  // Successful execution
	ExitGeneral   = 1  // General error
	ExitAuth      = 2  // Authentication error
	ExitNetwork   = 3  // Network/broker error
	ExitConfig    = 4  // Configuration error
	ExitTimeout   = 5  // Execution timeout
	ExitExecution = 6  // Execution failure
	ExitCancelled = 130
	ExitUsage     = 64 // Command line usage error (BSD convention)
)

// CLIError represents a user-facing CLI error with actionable guidance.
type CLIError struct {
	// Message is the primary error message shown to the user.
	Message string

	// Hint provides actionable guidance on how to fix the error.
	Hint string

	// Cause is the underlying error, if any.
	Cause error

	// Code is the exit code for the CLI.
	Code int
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CLIError) Unwrap() error {
	return e.Cause
}

// New creates a new CLIError with the given message and exit code.
func New(code int, message string) *CLIError {
	return &CLIError{
		Message: message,
		Code:    code,
	}
}

// Wrap wraps an existing error with a CLIError.
func Wrap(code int, message string, cause error) *CLIError {
	return &CLIError{
		Message: message,
		Cause:   cause,
		Code:    code,
	}
}

// WithHint adds a hint to the error.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// As is a convenience function for errors.As with CLIError.
func As(err error, target **CLIError) bool {
	return errors.As(err, target)
}

// --- Common error constructors ---

// NoProviderCredentials returns an error when no model provider key is stored or exported.
func NoProviderCredentials() *CLIError {
	return &CLIError{
		Message: "No model provider credentials found",
		Hint:    "Run 'tether auth set <provider>' or 'tether login <provider>'",
		Code:    ExitAuth,
	}
}

// UnknownProvider returns an error for a provider the agent does not support.
func UnknownProvider(provider string, supported []string) *CLIError {
	hint := "This agent has no configurable providers"
	if len(supported) > 0 {
		hint = fmt.Sprintf("Supported providers: %s", strings.Join(supported, ", "))
	}

	return &CLIError{
		Message: fmt.Sprintf("Unknown provider: %s", provider),
		Hint:    hint,
		Code:    ExitUsage,
	}
}

// CannotPrompt returns an error when interactive prompts are unavailable.
func CannotPrompt(envVar string) *CLIError {
	return &CLIError{
		Message: "Cannot prompt in non-interactive mode",
		Hint:    fmt.Sprintf("Set %s environment variable instead", envVar),
		Code:    ExitUsage,
	}
}

// APIKeyEmpty returns an error when an empty key is supplied.
func APIKeyEmpty() *CLIError {
	return &CLIError{
		Message: "API key cannot be empty",
		Hint:    "Paste the provider key when prompted or pipe it on stdin",
		Code:    ExitUsage,
	}
}

// ConfigFailed returns an error for configuration failures.
func ConfigFailed(operation string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Failed to %s", operation),
		Hint:    "Check file permissions for your tether config directory or run 'tether doctor'",
		Cause:   cause,
		Code:    ExitConfig,
	}
}

// InvalidConfig returns an error for a config value that fails validation.
func InvalidConfig(key string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Invalid configuration value for %s", key),
		Hint:    fmt.Sprintf("Run 'tether config get %s' and fix the value", key),
		Cause:   cause,
		Code:    ExitConfig,
	}
}

// AgentNotFound returns an error when the agent binary is not on PATH.
func AgentNotFound(binary string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("%s CLI not found", binary),
		Hint:    fmt.Sprintf("Install %s or set agent.binary to its full path", binary),
		Code:    ExitConfig,
	}
}

// UnknownAgent returns an error for an agent name with no spec.
func UnknownAgent(name string, supported []string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Unknown agent: %s", name),
		Hint:    fmt.Sprintf("Supported agents: %s", strings.Join(supported, ", ")),
		Code:    ExitUsage,
	}
}

// BrokerUnavailable returns an error when the authorization broker cannot listen.
func BrokerUnavailable(port int, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Authorization broker could not listen on port %d", port),
		Hint:    "Stop the process holding the port or set broker.port to a free port",
		Cause:   cause,
		Code:    ExitNetwork,
	}
}

// TaskCancelled returns an error for a task the operator stopped.
func TaskCancelled() *CLIError {
	return &CLIError{
		Message: "Task cancelled",
		Hint:    "The agent was interrupted before it finished",
		Code:    ExitCancelled,
	}
}

// FlowFailed returns an error for a managed agent run that exited badly.
// It detects common error patterns in the output tail and provides specific hints.
func FlowFailed(flow string, exitCode int, tail string) *CLIError {
	msg := fmt.Sprintf("%s failed", flow)
	hint := ""

	switch {
	case containsAny(tail, "rate limit", "rate_limit", "429"):
		msg = "Model provider rate limit exceeded"
		hint = "Wait a moment and try again, or check your API usage limits"
	case containsAny(tail, "authentication", "unauthorized", "401", "invalid_api_key", "invalid api key"):
		msg = "Model provider authentication failed"
		hint = "Run 'tether auth set <provider>' or 'tether login <provider>'"
	case containsAny(tail, "context length", "context_length", "max_tokens"):
		msg = "Model context length exceeded"
		hint = "Simplify the task or break it into smaller parts"
	case containsAny(tail, "overloaded", "503", "service unavailable"):
		msg = "Model provider is temporarily overloaded"
		hint = "Wait a moment and try again"
	case containsAny(tail, "eaddrinuse", "address already in use"):
		hint = "A port the agent needs is busy. Run 'tether doctor' to find it"
	case exitCode == 1 && tail == "":
		hint = "Run with --log-level=debug for more details"
	default:
		if tail != "" {
			if len(tail) > 200 {
				tail = tail[len(tail)-200:]
			}

			hint = tail
		}
	}

	return &CLIError{
		Message: msg,
		Hint:    hint,
		Code:    ExitExecution,
	}
}

// LoginFailed returns an error for a provider login flow that did not complete.
func LoginFailed(provider string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Login for %s did not complete", provider),
		Hint:    "Retry 'tether login " + provider + "' or store a key with 'tether auth set " + provider + "'",
		Cause:   cause,
		Code:    ExitAuth,
	}
}

// containsAny checks if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrings {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}

	return false
}
