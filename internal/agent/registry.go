package agent

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for an unknown agent ID.
	ErrNotFound = errors.New("agent not found")
	// ErrDuplicate is returned when registering an ID twice.
	ErrDuplicate = errors.New("agent already registered")
)

// hourWindow is the length of the rate-limit window.
const hourWindow = time.Hour

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusRunning Status = "RUNNING"
	StatusError   Status = "ERROR"
)

// State is a snapshot of an agent's mutable state.
type State struct {
	Status          Status    `json:"status"`
	Enabled         bool      `json:"enabled"`
	ActionsThisHour int       `json:"actions_this_hour"`
	HourWindowStart time.Time `json:"hour_window_start"`
	LastRun         time.Time `json:"last_run,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	RunCount        int       `json:"run_count"`
	SkipCount       int       `json:"skip_count"`
}

type entry struct {
	mu     sync.Mutex
	config Config
	state  State
}

// Registry owns agent definitions and their state. Each agent has its own
// lock; operations on different agents never contend.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	now    func() time.Time
	logger *log.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for the hourly window.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used for load diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		agents: make(map[string]*entry),
		now:    time.Now,
		logger: log.New(os.Stderr, "[agent] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates cfg and adds it in the IDLE state.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid agent %q: %w", cfg.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, cfg.ID)
	}
	r.agents[cfg.ID] = &entry{
		config: cfg.clone(),
		state: State{
			Status:          StatusIdle,
			Enabled:         cfg.Enabled,
			HourWindowStart: r.now(),
		},
	}
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the agent's definition.
func (r *Registry) Get(id string) (Config, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Config{}, err
	}
	return e.config.clone(), nil
}

// List returns every definition sorted by ID.
func (r *Registry) List() []Config {
	r.mu.RLock()
	configs := make([]Config, 0, len(r.agents))
	for _, e := range r.agents {
		configs = append(configs, e.config.clone())
	}
	r.mu.RUnlock()

	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// GetState returns the agent's state after applying the hourly reset.
func (r *Registry) GetState(id string) (State, error) {
	var st State
	err := r.WithAgent(id, func(run *Run) { st = run.State() })
	return st, err
}

// CanAct reports whether the agent is enabled and has budget left in the
// current hour. Unknown agents cannot act.
func (r *Registry) CanAct(id string) bool {
	ok := false
	_ = r.WithAgent(id, func(run *Run) { ok = run.CanAct() })
	return ok
}

// Enable allows the agent to act.
func (r *Registry) Enable(id string) error {
	return r.WithAgent(id, func(run *Run) { run.e.state.Enabled = true })
}

// Disable stops the agent from acting. In-flight runs complete.
func (r *Registry) Disable(id string) error {
	return r.WithAgent(id, func(run *Run) { run.e.state.Enabled = false })
}

// WithAgent runs fn while holding the agent's lock. The *Run is only
// valid inside fn.
func (r *Registry) WithAgent(id string, fn func(*Run)) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&Run{e: e, now: r.now})
	return nil
}

// Reset removes every agent.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*entry)
}

// Run is a handle to one agent's state, held under that agent's lock.
type Run struct {
	e   *entry
	now func() time.Time
}

// Config returns the agent definition. The returned value must not be
// modified.
func (run *Run) Config() Config {
	return run.e.config
}

// State returns a snapshot after applying the hourly reset.
func (run *Run) State() State {
	run.roll()
	return run.e.state
}

// roll resets the action counter once the window has elapsed.
func (run *Run) roll() {
	now := run.now()
	if now.Sub(run.e.state.HourWindowStart) >= hourWindow {
		run.e.state.ActionsThisHour = 0
		run.e.state.HourWindowStart = now
	}
}

// CanAct reports whether another action fits in the budget.
func (run *Run) CanAct() bool {
	run.roll()
	return run.e.state.Enabled && run.e.state.ActionsThisHour < run.e.config.MaxActionsPerHour
}

// Remaining returns the number of actions left in the current window.
func (run *Run) Remaining() int {
	run.roll()
	n := run.e.config.MaxActionsPerHour - run.e.state.ActionsThisHour
	if n < 0 {
		return 0
	}
	return n
}

// ConsumeAction charges one unit of budget.
func (run *Run) ConsumeAction() {
	run.roll()
	run.e.state.ActionsThisHour++
}

// Begin marks the agent RUNNING.
func (run *Run) Begin() {
	run.e.state.Status = StatusRunning
	run.e.state.LastRun = run.now()
	run.e.state.RunCount++
}

// Finish ends a run: IDLE on success, ERROR with the message otherwise.
func (run *Run) Finish(err error) {
	if err != nil {
		run.e.state.Status = StatusError
		run.e.state.LastError = err.Error()
		return
	}
	run.e.state.Status = StatusIdle
	run.e.state.LastError = ""
}

// Skip records a delivery skipped for lack of budget.
func (run *Run) Skip() {
	run.e.state.SkipCount++
}
