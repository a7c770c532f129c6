package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/andywolf/autopilot/internal/agent"
	"github.com/andywolf/autopilot/internal/events"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func confirmAgent(id string, maxPerHour int) agent.Config {
	cfg := newAgent(id, maxPerHour, command("purge", "apt-get", agent.SeverityHigh, "autoremove", "{{mount}}"))
	cfg.RequireConfirmation = true
	return cfg
}

func TestScheduler_ConfirmationRequested(t *testing.T) {
	cfg := confirmAgent("needs-ok", 5)
	h := newHarness(t, cfg)
	requests := h.capture(events.AgentConfirmationTopic(cfg.ID))
	h.start(t)

	h.bus.Publish(events.TopicStorageLow, map[string]any{"mount": "/var"}, "disk-monitor")
	h.waitIdle(t)

	if n := h.exec.executed("apt-get"); n != 0 {
		t.Fatalf("executed %d times before confirmation", n)
	}
	got := requests()
	if len(got) != 1 {
		t.Fatalf("confirmation events = %d, want 1", len(got))
	}
	payload := got[0].Payload
	actions, _ := payload["actions"].([]map[string]any)
	if len(actions) != 1 || actions[0]["action_id"] != "purge" || actions[0]["privileged"] != true {
		t.Errorf("pending actions = %v", payload["actions"])
	}
	if args, _ := actions[0]["args"].([]string); len(args) != 2 || args[1] != "/var" {
		t.Errorf("pending args = %v, want rendered from payload", actions[0]["args"])
	}
	origin, _ := payload["event"].(map[string]any)
	if origin["topic"] != events.TopicStorageLow || origin["source"] != "disk-monitor" {
		t.Errorf("originating event = %v", origin)
	}

	pending := h.sched.Pending()
	if len(pending) != 1 || pending[0].ID != payload["confirmation_id"] {
		t.Fatalf("Pending() = %+v", pending)
	}
	if st, _ := h.registry.GetState(cfg.ID); st.ActionsThisHour != 0 {
		t.Errorf("ActionsThisHour = %d, deferral must not charge budget", st.ActionsThisHour)
	}

	successes := h.capture(events.AgentSuccessTopic(cfg.ID))
	report, err := h.sched.Confirm(context.Background(), pending[0].ID)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if report.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %s, want success", report.Outcome)
	}
	h.waitIdle(t)

	if n := h.exec.executed("apt-get"); n != 1 {
		t.Errorf("executions after Confirm = %d, want 1", n)
	}
	if len(successes()) != 1 {
		t.Errorf("success events = %d, want 1", len(successes()))
	}
	if len(h.sched.Pending()) != 0 {
		t.Error("confirmed run still pending")
	}
	if _, err := h.sched.Confirm(context.Background(), pending[0].ID); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("second Confirm() error = %v, want ErrConfirmationNotFound", err)
	}
}

func TestScheduler_Deny(t *testing.T) {
	cfg := confirmAgent("deny-me", 5)
	h := newHarness(t, cfg)

	report, err := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e1", Topic: events.TopicStorageLow})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.Outcome != OutcomeDeferred || report.ConfirmationID == "" {
		t.Fatalf("report = %+v, want deferred", report)
	}

	if err := h.sched.Deny(report.ConfirmationID); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if len(h.sched.Pending()) != 0 {
		t.Error("denied run still pending")
	}
	if err := h.sched.Deny(report.ConfirmationID); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("second Deny() error = %v, want ErrConfirmationNotFound", err)
	}
	if n := h.exec.executed("apt-get"); n != 0 {
		t.Errorf("denied run executed %d times", n)
	}
}

func TestScheduler_ConfirmationExpires(t *testing.T) {
	cfg := confirmAgent("expiring", 5)
	clock := &stepClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	h := newHarness(t, cfg)
	h.sched = New(h.registry, h.bus, h.exec,
		WithLogger(log.New(io.Discard, "", 0)),
		WithClock(clock.Now),
		WithConfirmationTTL(10*time.Minute),
	)

	first, _ := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e1", Topic: events.TopicStorageLow})
	clock.Advance(5 * time.Minute)
	second, _ := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e2", Topic: events.TopicStorageLow})

	clock.Advance(6 * time.Minute)
	pending := h.sched.Pending()
	if len(pending) != 1 || pending[0].ID != second.ConfirmationID {
		t.Fatalf("Pending() = %+v, want only the second run", pending)
	}
	if _, err := h.sched.Confirm(context.Background(), first.ConfirmationID); !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("Confirm(pruned) error = %v, want ErrConfirmationNotFound", err)
	}

	clock.Advance(4 * time.Minute)
	if _, err := h.sched.Confirm(context.Background(), second.ConfirmationID); !errors.Is(err, ErrConfirmationExpired) {
		t.Errorf("Confirm(expired) error = %v, want ErrConfirmationExpired", err)
	}
	if n := h.exec.executed("apt-get"); n != 0 {
		t.Errorf("expired runs executed %d times", n)
	}
}

func TestScheduler_ConfirmRechecksBudget(t *testing.T) {
	cfg := confirmAgent("tight", 1)
	h := newHarness(t, cfg)

	a, _ := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e1", Topic: events.TopicStorageLow})
	b, _ := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e2", Topic: events.TopicStorageLow})

	if _, err := h.sched.Confirm(context.Background(), a.ConfirmationID); err != nil {
		t.Fatalf("Confirm(a) error = %v", err)
	}
	report, err := h.sched.Confirm(context.Background(), b.ConfirmationID)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Confirm(b) error = %v, want ErrRateLimited", err)
	}
	if report.Outcome != OutcomeRateLimited {
		t.Errorf("Outcome = %s, want rate_limited", report.Outcome)
	}
	if n := h.exec.executed("apt-get"); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
}

func TestScheduler_RateLimitedBeforeConfirmation(t *testing.T) {
	cfg := confirmAgent("no-budget", 1)
	h := newHarness(t, cfg)
	_ = h.registry.WithAgent(cfg.ID, func(run *agent.Run) { run.ConsumeAction() })

	report, err := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e1", Topic: events.TopicStorageLow})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.Outcome != OutcomeRateLimited {
		t.Errorf("Outcome = %s, want rate_limited", report.Outcome)
	}
	if len(h.sched.Pending()) != 0 {
		t.Error("confirmation requested for an agent without budget")
	}
}

func TestScheduler_NoConfirmationWhenRunExceedsBudget(t *testing.T) {
	cfg := confirmAgent("two-step-confirm", 1)
	cfg.Actions = append(cfg.Actions, command("report", "df", agent.SeverityInfo, "-h"))
	h := newHarness(t, cfg)

	report, err := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e1", Topic: events.TopicStorageLow})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.Outcome != OutcomeRateLimited {
		t.Errorf("Outcome = %s, want rate_limited", report.Outcome)
	}
	if len(h.sched.Pending()) != 0 {
		t.Error("confirmation requested for a run the budget cannot cover")
	}
}
