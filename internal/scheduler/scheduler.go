// Package scheduler connects agents to the event bus. It subscribes each
// enabled agent to its topics, runs the agent's actions through the
// executor when an event arrives and the hourly budget allows, and
// publishes the outcome back onto the bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/andywolf/autopilot/internal/agent"
	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/executor"
)

const (
	// DefaultConfirmationTTL is how long a deferred run waits for a decision.
	DefaultConfirmationTTL = 15 * time.Minute
	// DefaultActionTimeout bounds an action that declares no timeout.
	DefaultActionTimeout = 60 * time.Second
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Bus is the subset of the event bus the scheduler uses.
type Bus interface {
	Publish(topic string, payload map[string]any, source string) events.Event
	Subscribe(topic string, handler events.Handler) events.Subscription
	Unsubscribe(sub events.Subscription)
}

// Executor is the subset of the action executor the scheduler uses.
type Executor interface {
	Execute(ctx context.Context, cmd executor.Command) executor.Result
	Preview(cmd executor.Command) executor.Result
	RunOperation(ctx context.Context, call executor.OperationCall) executor.Result
	PreviewOperation(call executor.OperationCall) executor.Result
	GlobalDryRun() bool
}

// Scheduler drives agent runs in response to events.
type Scheduler struct {
	registry *agent.Registry
	bus      Bus
	exec     Executor

	logger          *log.Logger
	confirmationTTL time.Duration
	actionTimeout   time.Duration
	now             func() time.Time

	mu      sync.Mutex
	started bool
	subs    map[string][]events.Subscription

	pendingMu sync.Mutex
	pending   map[string]PendingRun
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfirmationTTL sets how long deferred runs stay pending.
func WithConfirmationTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.confirmationTTL = d
		}
	}
}

// WithActionTimeout sets the timeout for actions that declare none.
func WithActionTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.actionTimeout = d
		}
	}
}

// WithClock overrides the time source used for confirmation expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scheduler. Nothing is subscribed until Start.
func New(registry *agent.Registry, bus Bus, exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:        registry,
		bus:             bus,
		exec:            exec,
		logger:          log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
		confirmationTTL: DefaultConfirmationTTL,
		actionTimeout:   DefaultActionTimeout,
		now:             time.Now,
		subs:            make(map[string][]events.Subscription),
		pending:         make(map[string]PendingRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) logInfo(format string, args ...interface{}) {
	s.logger.Printf(format, args...)
}

func (s *Scheduler) logWarning(format string, args ...interface{}) {
	s.logger.Printf("Warning: "+format, args...)
}

func (s *Scheduler) logError(format string, args ...interface{}) {
	s.logger.Printf("Error: "+format, args...)
}

// Start subscribes every enabled agent to each of its topics.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	for _, cfg := range s.registry.List() {
		st, err := s.registry.GetState(cfg.ID)
		if err != nil || !st.Enabled {
			continue
		}
		s.subscribeLocked(cfg)
	}
	s.logInfo("Scheduler started with %d active agents", len(s.subs))
	return nil
}

// Stop removes every subscription. Runs already dispatched complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.subs {
		s.unsubscribeLocked(id)
	}
	s.started = false
}

// Enable marks the agent enabled and, if running, subscribes it.
func (s *Scheduler) Enable(id string) error {
	if err := s.registry.Enable(id); err != nil {
		return err
	}
	cfg, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.subscribeLocked(cfg)
	}
	return nil
}

// Disable marks the agent disabled and removes its subscriptions.
func (s *Scheduler) Disable(id string) error {
	if err := s.registry.Disable(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked(id)
	return nil
}

// Subscribed reports whether the agent currently has subscriptions.
func (s *Scheduler) Subscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[id]) > 0
}

func (s *Scheduler) subscribeLocked(cfg agent.Config) {
	if len(s.subs[cfg.ID]) > 0 {
		return
	}
	id := cfg.ID
	for _, topic := range cfg.Topics() {
		sub := s.bus.Subscribe(topic, func(ctx context.Context, e events.Event) error {
			_, err := s.deliver(ctx, id, e)
			return err
		})
		s.subs[id] = append(s.subs[id], sub)
	}
}

func (s *Scheduler) unsubscribeLocked(id string) {
	for _, sub := range s.subs[id] {
		s.bus.Unsubscribe(sub)
	}
	delete(s.subs, id)
}

func (s *Scheduler) publish(topic string, payload map[string]any, agentID string) {
	s.bus.Publish(topic, payload, fmt.Sprintf("agent:%s", agentID))
}
