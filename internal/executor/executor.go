package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andywolf/autopilot/internal/audit"
	"github.com/andywolf/autopilot/internal/metrics"
)

const (
	// DefaultTimeout bounds a call that specifies no timeout.
	DefaultTimeout = 60 * time.Second

	// waitDelay is how long Wait lingers for output pipes after the
	// process is killed on timeout.
	waitDelay = 2 * time.Second

	// maxMessageBytes bounds a failure message derived from stderr.
	maxMessageBytes = 1024
)

// Recorder persists one audit entry per invocation.
type Recorder interface {
	Record(audit.Entry) (audit.Entry, error)
}

// commandFunc builds the *exec.Cmd for an argv. Tests substitute it.
type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Executor runs commands and registered operations.
type Executor struct {
	elevation      []string
	hostBridge     []string
	sandboxMode    SandboxMode
	sandboxed      bool
	defaultTimeout time.Duration
	dryRun         atomic.Bool

	recorder Recorder
	ops      *Operations
	logger   *log.Logger

	cmdRunner commandFunc
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithElevationHelper sets the elevation program and its leading arguments.
func WithElevationHelper(helper string, args ...string) Option {
	return func(x *Executor) {
		if helper != "" {
			x.elevation = append([]string{helper}, args...)
		}
	}
}

// WithHostBridge sets the argv prefix used to escape a sandbox.
func WithHostBridge(prefix ...string) Option {
	return func(x *Executor) {
		x.hostBridge = append([]string(nil), prefix...)
	}
}

// WithSandbox selects sandbox detection behavior.
func WithSandbox(mode SandboxMode) Option {
	return func(x *Executor) {
		x.sandboxMode = mode
	}
}

// WithDefaultTimeout sets the timeout for commands that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(x *Executor) {
		if d > 0 {
			x.defaultTimeout = d
		}
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(x *Executor) {
		if r != nil {
			x.recorder = r
		}
	}
}

// WithOperations sets the table of in-process operations.
func WithOperations(ops *Operations) Option {
	return func(x *Executor) {
		if ops != nil {
			x.ops = ops
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(x *Executor) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithDryRun starts the executor with the global dry-run override set.
func WithDryRun(enabled bool) Option {
	return func(x *Executor) {
		x.dryRun.Store(enabled)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.now = now
		}
	}
}

func withCommandFunc(fn commandFunc) Option {
	return func(x *Executor) {
		x.cmdRunner = fn
	}
}

// New creates an Executor. Without WithRecorder, audit entries go
// nowhere; production wiring always supplies one.
func New(opts ...Option) *Executor {
	x := &Executor{
		elevation:      []string{DefaultElevationHelper},
		hostBridge:     append([]string(nil), DefaultHostBridge...),
		sandboxMode:    SandboxAuto,
		defaultTimeout: DefaultTimeout,
		recorder:       audit.NewRecorder(audit.NopSink()),
		ops:            NewOperations(),
		logger:         log.New(os.Stderr, "[executor] ", log.LstdFlags),
		cmdRunner:      exec.CommandContext,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	x.sandboxed = x.sandboxMode.resolve()
	return x
}

// SetGlobalDryRun toggles the process-wide override that turns every
// Execute and RunOperation into a preview.
func (x *Executor) SetGlobalDryRun(enabled bool) {
	x.dryRun.Store(enabled)
}

// GlobalDryRun reports the current override.
func (x *Executor) GlobalDryRun() bool {
	return x.dryRun.Load()
}

// Operations returns the operation table.
func (x *Executor) Operations() *Operations {
	return x.ops
}

// Execute runs cmd and returns its outcome. It never panics or returns an
// error; every failure mode is expressed in the Result. Exactly one
// audit entry is written before Execute returns.
func (x *Executor) Execute(ctx context.Context, cmd Command) Result {
	if x.dryRun.Load() {
		r := x.preview(cmd)
		r.DryRun = true
		return x.finish(cmd, r)
	}

	r := x.run(ctx, cmd)
	return x.finish(cmd, r)
}

// Preview describes what Execute would do without spawning anything.
// The preview is audited with the preview flag set.
func (x *Executor) Preview(cmd Command) Result {
	return x.finish(cmd, x.preview(cmd))
}

func (x *Executor) preview(cmd Command) Result {
	argv := x.elevatedArgv(cmd)
	return Result{
		Success:   true,
		Message:   "would run: " + strings.Join(argv, " "),
		Timestamp: x.now(),
		Preview:   true,
		Data: map[string]any{
			"command":    cmd.Name,
			"args":       append([]string{}, cmd.Args...),
			"privileged": cmd.Privileged,
			"argv":       argv,
		},
	}
}

func (x *Executor) run(ctx context.Context, cmd Command) Result {
	start := x.now()
	if cmd.Name == "" {
		return Result{Message: "no command given", Timestamp: start}
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := x.BuildArgv(cmd)
	c := x.cmdRunner(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = waitDelay

	err := c.Run()
	r := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Timestamp: start,
		Duration:  x.now().Sub(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		r.Success = true
		r.ExitCode = intPtr(0)
		r.Message = MsgCompleted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.Message = MsgTimedOut
	case errors.Is(ctx.Err(), context.Canceled):
		r.Message = MsgCancelled
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code >= 0 {
			r.ExitCode = intPtr(code)
		}
		r.Message = failureMessage(r.Stderr, code)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		r.Message = "command not found: " + argv[0]
	default:
		r.Message = fmt.Sprintf("failed to start %s: %v", argv[0], err)
	}
	return r
}

func failureMessage(stderr string, code int) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		if code < 0 {
			return "terminated by signal"
		}
		return fmt.Sprintf("exit status %d", code)
	}
	if len(msg) > maxMessageBytes {
		msg = msg[:maxMessageBytes]
	}
	return msg
}

// finish writes the audit entry and metrics for a command result.
func (x *Executor) finish(cmd Command, r Result) Result {
	entry, err := x.recorder.Record(audit.Entry{
		Kind:        audit.KindCommand,
		Command:     cmd.Name,
		Args:        cmd.Args,
		Privileged:  cmd.Privileged,
		Caller:      callerOrDefault(cmd.Caller),
		Description: cmd.Description,
		DryRun:      r.DryRun,
		Result:      r.Outcome(),
	})
	if err != nil {
		x.logger.Printf("Error: failed to record audit entry for %s: %v", cmd.Name, err)
	} else {
		r.AuditID = entry.ID
	}
	observe(audit.KindCommand, r)
	return r
}

func observe(kind audit.Kind, r Result) {
	outcome := metrics.OutcomeFailure
	switch {
	case r.Preview:
		outcome = metrics.OutcomePreview
	case r.Success:
		outcome = metrics.OutcomeSuccess
	case r.Message == MsgTimedOut:
		outcome = metrics.OutcomeTimeout
	case kind == audit.KindCommand && r.ExitCode == nil:
		outcome = metrics.OutcomeSpawnError
	}
	metrics.ExecutionsTotal.WithLabelValues(string(kind), outcome).Inc()
	if !r.Preview {
		metrics.ExecutionDuration.Observe(r.Duration.Seconds())
	}
}

func callerOrDefault(caller string) string {
	if caller == "" {
		return "unknown"
	}
	return caller
}
