// Package executor is the single gateway through which the application
// touches the operating system. It runs argument vectors (never shell
// strings), decides privilege elevation per call, bounds every call with a
// timeout and records every attempt in the audit log before returning.
package executor

import (
	"time"

	"github.com/andywolf/autopilot/internal/audit"
)

// Stable messages for failure modes callers may match on.
const (
	MsgTimedOut  = "timed out"
	MsgCancelled = "cancelled"
	MsgCompleted = "completed successfully"
)

// Command describes one invocation.
type Command struct {
	// Name is the program to run (looked up in PATH).
	Name string
	// Args are passed as discrete arguments.
	Args []string
	// Description is a human-readable summary recorded in the audit log.
	Description string
	// Privileged routes the command through the elevation helper.
	Privileged bool
	// Timeout bounds the call; zero selects the executor default.
	Timeout time.Duration
	// Caller identifies who asked (e.g., "cli", "agent:cache-cleanup").
	Caller string
}

// Result is the structured outcome of an invocation. Failures are data,
// never errors or panics.
type Result struct {
	Success bool `json:"success"`
	Message string `json:"message"`
	// ExitCode is nil when no process exit status exists (spawn failure,
	// timeout, preview of an operation).
	ExitCode  *int           `json:"exit_code"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Preview   bool           `json:"preview"`
	// DryRun marks a preview produced by the global dry-run override.
	DryRun   bool          `json:"dry_run,omitempty"`
	Duration time.Duration `json:"duration"`
	// AuditID links the result to its audit record; empty if recording failed.
	AuditID string `json:"audit_id,omitempty"`
}

// Outcome converts the result to its audit representation.
func (r Result) Outcome() audit.Outcome {
	return audit.Outcome{
		Success:    r.Success,
		Message:    r.Message,
		ExitCode:   r.ExitCode,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Preview:    r.Preview,
		DurationMs: r.Duration.Milliseconds(),
		Data:       r.Data,
		Timestamp:  r.Timestamp,
	}
}

// Map renders the result as an event payload value.
func (r Result) Map() map[string]any {
	m := map[string]any{
		"success":   r.Success,
		"message":   r.Message,
		"stdout":    r.Stdout,
		"stderr":    r.Stderr,
		"timestamp": r.Timestamp,
		"preview":   r.Preview,
	}
	if r.ExitCode != nil {
		m["exit_code"] = *r.ExitCode
	} else {
		m["exit_code"] = nil
	}
	if r.Data != nil {
		m["data"] = r.Data
	}
	if r.AuditID != "" {
		m["audit_id"] = r.AuditID
	}
	return m
}

func intPtr(v int) *int {
	return &v
}
