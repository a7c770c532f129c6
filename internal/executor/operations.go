package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andywolf/autopilot/internal/audit"
)

// ErrUnknownOperation is returned by Lookup callers that need an error value.
var ErrUnknownOperation = errors.New("unknown operation")

// ErrDuplicateOperation is returned when registering a name twice.
var ErrDuplicateOperation = errors.New("operation already registered")

// Operation is an in-process callable executed under the same audit
// and timeout discipline as commands. Operations never elevate.
type Operation func(ctx context.Context, params map[string]any) (map[string]any, error)

// OperationCall names an operation and its parameters.
type OperationCall struct {
	Name        string
	Params      map[string]any
	Description string
	Timeout     time.Duration
	Caller      string
}

// Operations is a concurrency-safe table of named operations.
type Operations struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewOperations returns an empty table.
func NewOperations() *Operations {
	return &Operations{ops: make(map[string]Operation)}
}

// Register adds op under name.
func (o *Operations) Register(name string, op Operation) error {
	if name == "" || op == nil {
		return fmt.Errorf("operation name and function are required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.ops[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, name)
	}
	o.ops[name] = op
	return nil
}

// Lookup returns the operation registered under name.
func (o *Operations) Lookup(name string) (Operation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.ops[name]
	return op, ok
}

// Names returns the registered names in sorted order.
func (o *Operations) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.ops))
	for name := range o.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunOperation invokes a registered operation. Like Execute it reports
// every failure (unknown name, error, panic, timeout) in the Result and
// audits exactly once.
func (x *Executor) RunOperation(ctx context.Context, call OperationCall) Result {
	if x.dryRun.Load() {
		r := x.previewOperation(call)
		r.DryRun = true
		return x.finishOperation(call, r)
	}
	return x.finishOperation(call, x.runOperation(ctx, call))
}

// PreviewOperation describes the call without invoking it.
func (x *Executor) PreviewOperation(call OperationCall) Result {
	return x.finishOperation(call, x.previewOperation(call))
}

func (x *Executor) previewOperation(call OperationCall) Result {
	r := Result{
		Success:   true,
		Message:   "would call operation: " + call.Name,
		Timestamp: x.now(),
		Preview:   true,
		Data:      map[string]any{"operation": call.Name, "params": call.Params},
	}
	if _, ok := x.ops.Lookup(call.Name); !ok {
		r.Success = false
		r.Message = fmt.Sprintf("%v: %s", ErrUnknownOperation, call.Name)
	}
	return r
}

type opOutcome struct {
	data map[string]any
	err  error
}

func (x *Executor) runOperation(ctx context.Context, call OperationCall) Result {
	start := x.now()
	op, ok := x.ops.Lookup(call.Name)
	if !ok {
		return Result{Message: fmt.Sprintf("%v: %s", ErrUnknownOperation, call.Name), Timestamp: start}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan opOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- opOutcome{err: fmt.Errorf("operation panicked: %v", rec)}
			}
		}()
		data, err := op(ctx, call.Params)
		done <- opOutcome{data: data, err: err}
	}()

	r := Result{Timestamp: start}
	select {
	case out := <-done:
		r.Data = out.data
		if out.err != nil {
			r.Message = out.err.Error()
		} else {
			r.Success = true
			r.Message = MsgCompleted
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.Message = MsgTimedOut
		} else {
			r.Message = MsgCancelled
		}
	}
	r.Duration = x.now().Sub(start)
	return r
}

func (x *Executor) finishOperation(call OperationCall, r Result) Result {
	entry, err := x.recorder.Record(audit.Entry{
		Kind:        audit.KindOperation,
		Command:     call.Name,
		Args:        paramArgs(call.Params),
		Caller:      callerOrDefault(call.Caller),
		Description: call.Description,
		DryRun:      r.DryRun,
		Result:      r.Outcome(),
	})
	if err != nil {
		x.logger.Printf("Error: failed to record audit entry for operation %s: %v", call.Name, err)
	} else {
		r.AuditID = entry.ID
	}
	observe(audit.KindOperation, r)
	return r
}

// paramArgs flattens params into sorted key=value strings for the audit log.
func paramArgs(params map[string]any) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return args
}
