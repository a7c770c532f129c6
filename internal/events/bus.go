package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andywolf/autopilot/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the dispatch concurrency used when none is configured.
const DefaultWorkers = 4

// ErrBusClosed is reported for events published after Close.
var ErrBusClosed = errors.New("event bus closed")

// Handler receives events for a subscription. A returned error or a panic
// is captured as a DispatchError and never reaches the publisher.
type Handler func(ctx context.Context, e Event) error

// Subscription identifies a registered handler.
type Subscription struct {
	ID    string
	Topic string
}

// DispatchError describes a subscriber callback that failed.
type DispatchError struct {
	Topic          string
	SubscriptionID string
	EventID        string
	Panicked       bool
	Err            error
}

func (e *DispatchError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("subscriber %s panicked handling %s (%s): %v", e.SubscriptionID, e.Topic, e.EventID, e.Err)
	}
	return fmt.Sprintf("subscriber %s failed handling %s (%s): %v", e.SubscriptionID, e.Topic, e.EventID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// subscriber owns a FIFO mailbox. At most one drain goroutine runs per
// subscriber, which gives per-subscriber ordering.
type subscriber struct {
	id       string
	topic    string
	handler  Handler
	mu       sync.Mutex
	queue    []Event
	draining bool
	closed   bool
}

// Bus is an in-process publish/subscribe broker. Publish never blocks on
// subscriber work: events are appended to per-subscriber mailboxes and
// delivered by a bounded pool of workers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber
	byID   map[string]*subscriber

	sem     *semaphore.Weighted
	workers int

	// dispatchCtx gates queued deliveries; handlerCtx is handed to callbacks.
	dispatchCtx    context.Context
	stopDispatch   context.CancelFunc
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	// closeMu orders Close against in-progress Publish calls so no drain
	// goroutine is added to wg once Close has started waiting on it.
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	pending atomic.Int64

	logger  *log.Logger
	onError func(*DispatchError)
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithWorkers bounds the number of concurrently running handlers.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithLogger sets the logger used for dispatch errors.
func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithErrorHandler registers a hook invoked for every DispatchError.
func WithErrorHandler(fn func(*DispatchError)) Option {
	return func(b *Bus) {
		b.onError = fn
	}
}

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a running bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics:  make(map[string][]*subscriber),
		byID:    make(map[string]*subscriber),
		workers: DefaultWorkers,
		logger:  log.New(os.Stderr, "[events] ", log.LstdFlags),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sem = semaphore.NewWeighted(int64(b.workers))
	b.dispatchCtx, b.stopDispatch = context.WithCancel(context.Background())
	b.handlerCtx, b.cancelHandlers = context.WithCancel(context.Background())
	return b
}

// Workers returns the dispatch concurrency.
func (b *Bus) Workers() int {
	return b.workers
}

// Publish delivers an event to every subscriber of topic. It returns
// immediately; delivery happens asynchronously. Publishing to a topic with
// no subscribers is a no-op apart from the returned event.
func (b *Bus) Publish(topic string, payload map[string]any, source string) Event {
	e := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   clonePayload(payload),
		Timestamp: b.now(),
		Source:    source,
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		metrics.EventsDropped.WithLabelValues("closed").Inc()
		b.logger.Printf("Warning: dropping %s: %v", e, ErrBusClosed)
		return e
	}
	metrics.EventsPublished.WithLabelValues(topic).Inc()

	b.mu.RLock()
	subs := b.topics[topic]
	targets := make([]*subscriber, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, s := range targets {
		b.enqueue(s, e)
	}
	return e
}

func (b *Bus) enqueue(s *subscriber, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, e)
	b.pending.Add(1)
	if s.draining {
		return
	}
	s.draining = true
	b.wg.Add(1)
	go b.drain(s)
}

// drain delivers a subscriber's mailbox one event at a time, taking a
// worker slot for each delivery so other subscribers can interleave.
func (b *Bus) drain(s *subscriber) {
	defer b.wg.Done()

	for {
		if err := b.sem.Acquire(b.dispatchCtx, 1); err != nil {
			b.discard(s, "closed")
			return
		}
		if b.dispatchCtx.Err() != nil {
			b.sem.Release(1)
			b.discard(s, "closed")
			return
		}

		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			b.sem.Release(1)
			return
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		b.deliver(s, e)
		b.pending.Add(-1)
		b.sem.Release(1)
	}
}

// discard drops whatever is left in a mailbox.
func (b *Bus) discard(s *subscriber, reason string) {
	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.draining = false
	s.mu.Unlock()

	if n > 0 {
		b.pending.Add(int64(-n))
		metrics.EventsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (b *Bus) deliver(s *subscriber, e Event) {
	var derr *DispatchError
	func() {
		defer func() {
			if r := recover(); r != nil {
				derr = &DispatchError{
					Topic:          e.Topic,
					SubscriptionID: s.id,
					EventID:        e.ID,
					Panicked:       true,
					Err:            fmt.Errorf("%v\n%s", r, debug.Stack()),
				}
			}
		}()
		if err := s.handler(b.handlerCtx, e); err != nil {
			derr = &DispatchError{Topic: e.Topic, SubscriptionID: s.id, EventID: e.ID, Err: err}
		}
	}()

	if derr == nil {
		return
	}
	metrics.DispatchErrors.WithLabelValues(e.Topic).Inc()
	b.logger.Printf("Error: %v", derr)
	if b.onError != nil {
		b.onError(derr)
	}
}

// Subscribe registers handler for events published on topic.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	s := &subscriber{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], s)
	b.byID[s.id] = s
	b.mu.Unlock()

	return Subscription{ID: s.id, Topic: topic}
}

// Unsubscribe removes a subscription. Events already queued for it are
// dropped; a delivery in progress is allowed to finish.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	s, ok := b.byID[sub.ID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.byID, sub.ID)
	list := b.topics[s.topic]
	for i, candidate := range list {
		if candidate == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.topics, s.topic)
	} else {
		b.topics[s.topic] = list
	}
	b.mu.Unlock()

	b.closeSubscriber(s)
}

func (b *Bus) closeSubscriber(s *subscriber) {
	s.mu.Lock()
	s.closed = true
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if n > 0 {
		b.pending.Add(int64(-n))
		metrics.EventsDropped.WithLabelValues("unsubscribed").Add(float64(n))
	}
}

// SubscriberCount returns the number of subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Clear removes every subscription and drops undelivered events. The bus
// stays usable afterwards. Intended for test isolation.
func (b *Bus) Clear() {
	b.mu.Lock()
	all := make([]*subscriber, 0, len(b.byID))
	for _, s := range b.byID {
		all = append(all, s)
	}
	b.topics = make(map[string][]*subscriber)
	b.byID = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range all {
		b.closeSubscriber(s)
	}
}

// WaitIdle blocks until every queued event has been delivered or ctx is done.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting events, drops anything not yet dispatched and
// waits for in-flight handlers. If ctx expires first the handler context is
// cancelled and ctx's error returned.
func (b *Bus) Close(ctx context.Context) error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.stopDispatch()
	b.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancelHandlers()
		return nil
	case <-ctx.Done():
		b.cancelHandlers()
		return ctx.Err()
	}
}
