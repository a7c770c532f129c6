package audit

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/andywolf/autopilot/internal/security"
	"github.com/google/uuid"
)

// maxOutputBytes bounds the stdout/stderr copied into an audit record.
const maxOutputBytes = 4096

// Recorder prepares entries (ID, timestamp, categories, redaction) and
// writes them to a primary sink, then to any mirrors. Only the primary
// sink's error is returned; mirror failures are logged.
type Recorder struct {
	primary  Sink
	mirrors  []Sink
	scrubber *security.Scrubber
	logger   *log.Logger
	now      func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithMirror adds a best-effort secondary sink.
func WithMirror(s Sink) RecorderOption {
	return func(r *Recorder) {
		if s != nil {
			r.mirrors = append(r.mirrors, s)
		}
	}
}

// WithScrubber replaces the default redaction rules.
func WithScrubber(s *security.Scrubber) RecorderOption {
	return func(r *Recorder) {
		if s != nil {
			r.scrubber = s
		}
	}
}

// WithRecorderLogger sets the logger used for mirror failures.
func WithRecorderLogger(l *log.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorderClock overrides the timestamp source (tests).
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder creates a Recorder writing to primary.
func NewRecorder(primary Sink, opts ...RecorderOption) *Recorder {
	if primary == nil {
		primary = NopSink()
	}
	r := &Recorder{
		primary:  primary,
		scrubber: security.NewScrubber(),
		logger:   log.New(os.Stderr, "[audit] ", log.LstdFlags),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists e and returns the entry as written.
func (r *Recorder) Record(e Entry) (Entry, error) {
	e = r.prepare(e)

	if err := r.primary.Append(e); err != nil {
		return e, err
	}
	for _, m := range r.mirrors {
		if err := m.Append(e); err != nil {
			r.logger.Printf("Warning: audit mirror failed for %s: %v", e.ID, err)
		}
	}
	return e, nil
}

func (r *Recorder) prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCommand
	}
	if e.Kind == KindCommand && len(e.Categories) == 0 {
		e.Categories = Classify(e.Command, e.Args, e.Privileged)
	}

	if e.Args == nil {
		e.Args = []string{}
	} else {
		e.Args = r.scrubber.RedactArgs(e.Args)
	}
	e.Description = r.scrubber.Scrub(e.Description)
	e.Result.Message = r.scrubber.Scrub(e.Result.Message)
	e.Result.Stdout = truncate(r.scrubber.Scrub(e.Result.Stdout), maxOutputBytes)
	e.Result.Stderr = truncate(r.scrubber.Scrub(e.Result.Stderr), maxOutputBytes)
	e.Result.Data = r.scrubData(e.Result.Data)
	return e
}

// scrubData copies data with secrets removed from its top-level string
// values so the caller's map is never modified.
func (r *Recorder) scrubData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if str, ok := v.(string); ok {
			v = r.scrubber.Scrub(str)
		}
		out[k] = v
	}
	return out
}

// Close closes the primary sink and every mirror.
func (r *Recorder) Close() error {
	errs := []error{r.primary.Close()}
	for _, m := range r.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
