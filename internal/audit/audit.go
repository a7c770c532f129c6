// Package audit records every command and operation the executor attempts.
// Entries are written as JSON lines to a user-scoped file, optionally
// mirrored to Cloud Logging, and never contain unredacted credentials.
package audit

import "time"

// Kind distinguishes subprocess invocations from in-process operations.
type Kind string

const (
	// KindCommand is a subprocess launched from an argument vector.
	KindCommand Kind = "command"
	// KindOperation is a registered in-process callable.
	KindOperation Kind = "operation"
)

// Category represents a security-relevant classification of an invocation.
type Category string

const (
	// PackageInstall installs software through a package manager.
	PackageInstall Category = "PACKAGE_INSTALL"
	// PackageRemove removes software or purges package caches.
	PackageRemove Category = "PACKAGE_REMOVE"
	// Destructive deletes or overwrites data (rm -r, dd, mkfs, shred).
	Destructive Category = "DESTRUCTIVE"
	// ServiceControl starts, stops or reconfigures system services or power state.
	ServiceControl Category = "SERVICE_CONTROL"
	// OutboundDataTransfer is a command that could move data off the host.
	OutboundDataTransfer Category = "OUTBOUND_DATA_TRANSFER"
	// SensitivePath touches credentials or system configuration.
	SensitivePath Category = "SENSITIVE_PATH"
	// Privileged ran through the elevation helper.
	Privileged Category = "PRIVILEGED"
)

// Outcome is the audit copy of an executor result.
type Outcome struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ExitCode   *int   `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Preview    bool   `json:"preview"`
	DurationMs int64  `json:"duration_ms"`
	// Data is the structured payload of an operation or preview.
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Entry is one self-contained audit record. Fields are only ever added,
// never renamed, so external tooling can keep parsing old lines.
type Entry struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Kind        Kind       `json:"kind"`
	Command     string     `json:"command"`
	Args        []string   `json:"args"`
	Privileged  bool       `json:"privileged"`
	Caller      string     `json:"caller"`
	Description string     `json:"description,omitempty"`
	Categories  []Category `json:"categories,omitempty"`
	// DryRun is set when the global dry-run override turned an execute into a preview.
	DryRun bool    `json:"dry_run"`
	Result Outcome `json:"result"`
}

// Sink persists audit entries.
type Sink interface {
	Append(e Entry) error
	Close() error
}

// nopSink discards entries.
type nopSink struct{}

// NopSink returns a Sink that discards all entries.
func NopSink() Sink {
	return nopSink{}
}

func (nopSink) Append(Entry) error { return nil }

func (nopSink) Close() error { return nil }
