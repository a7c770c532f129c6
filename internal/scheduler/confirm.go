package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andywolf/autopilot/internal/agent"
	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/template"
	"github.com/google/uuid"
)

var (
	// ErrConfirmationNotFound is returned for an unknown or already decided ID.
	ErrConfirmationNotFound = errors.New("confirmation not found")
	// ErrConfirmationExpired is returned when the pending run outlived its TTL.
	ErrConfirmationExpired = errors.New("confirmation expired")
	// ErrRateLimited is returned when a confirmed run no longer fits the budget.
	ErrRateLimited = errors.New("agent rate limit reached")
)

// PendingAction is the would-be invocation of one action, with
// placeholders already filled from the triggering event.
type PendingAction struct {
	ActionID   string
	Name       string
	Severity   agent.Severity
	Command    string
	Args       []string
	Operation  string
	Privileged bool
}

// PendingRun is a run deferred until an external confirmation.
type PendingRun struct {
	ID          string
	AgentID     string
	Event       events.Event
	Actions     []PendingAction
	RequestedAt time.Time
	ExpiresAt   time.Time
}

func (s *Scheduler) newPending(cfg agent.Config, e events.Event) PendingRun {
	vars := template.EventVariables(e, cfg.ID)
	actions := make([]PendingAction, len(cfg.Actions))
	for i, a := range cfg.Actions {
		actions[i] = PendingAction{
			ActionID:   a.ID,
			Name:       a.DisplayName(),
			Severity:   a.Severity,
			Command:    a.Command,
			Args:       template.RenderArgs(a.Args, vars),
			Operation:  a.Operation,
			Privileged: a.Privileged(),
		}
	}
	now := s.now()
	return PendingRun{
		ID:          uuid.NewString(),
		AgentID:     cfg.ID,
		Event:       e,
		Actions:     actions,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.confirmationTTL),
	}
}

func (p PendingRun) payload() map[string]any {
	actions := make([]map[string]any, len(p.Actions))
	for i, a := range p.Actions {
		actions[i] = map[string]any{
			"action_id":  a.ActionID,
			"name":       a.Name,
			"severity":   string(a.Severity),
			"command":    a.Command,
			"args":       a.Args,
			"operation":  a.Operation,
			"privileged": a.Privileged,
		}
	}
	return map[string]any{
		"agent_id":        p.AgentID,
		"confirmation_id": p.ID,
		"expires_at":      p.ExpiresAt,
		"actions":         actions,
		"event": map[string]any{
			"id":      p.Event.ID,
			"topic":   p.Event.Topic,
			"source":  p.Event.Source,
			"payload": p.Event.Payload,
		},
	}
}

func (s *Scheduler) storePending(p PendingRun) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pruneLocked()
	s.pending[p.ID] = p
}

func (s *Scheduler) pruneLocked() {
	now := s.now()
	for id, p := range s.pending {
		if !now.Before(p.ExpiresAt) {
			s.logInfo("Confirmation %s for agent %s expired", id, p.AgentID)
			delete(s.pending, id)
		}
	}
}

// take removes and returns a pending run.
func (s *Scheduler) take(id string) (PendingRun, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return PendingRun{}, fmt.Errorf("%w: %s", ErrConfirmationNotFound, id)
	}
	delete(s.pending, id)
	if !s.now().Before(p.ExpiresAt) {
		return PendingRun{}, fmt.Errorf("%w: %s", ErrConfirmationExpired, id)
	}
	return p, nil
}

// Pending lists unexpired pending runs, oldest first.
func (s *Scheduler) Pending() []PendingRun {
	s.pendingMu.Lock()
	s.pruneLocked()
	runs := make([]PendingRun, 0, len(s.pending))
	for _, p := range s.pending {
		runs = append(runs, p)
	}
	s.pendingMu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].RequestedAt.Before(runs[j].RequestedAt) })
	return runs
}

// Confirm executes a pending run now. The budget is re-checked as if the
// event had just been delivered; action failures are reported through the
// returned Report and the usual completion events, not as an error.
func (s *Scheduler) Confirm(ctx context.Context, confirmationID string) (Report, error) {
	p, err := s.take(confirmationID)
	if err != nil {
		return Report{}, err
	}

	report := Report{AgentID: p.AgentID, EventID: p.Event.ID, ConfirmationID: p.ID}
	err = s.registry.WithAgent(p.AgentID, func(run *agent.Run) {
		if !run.State().Enabled {
			report.Outcome = OutcomeDisabled
			return
		}
		if !s.affordable(run) {
			run.Skip()
			report.Outcome = OutcomeRateLimited
			return
		}
		s.runActions(ctx, run, p.Event, &report)
	})
	if err != nil {
		return report, err
	}

	s.finishDelivery(p.Event, &report, nil)
	if report.Outcome == OutcomeRateLimited {
		return report, fmt.Errorf("%w: %s", ErrRateLimited, p.AgentID)
	}
	return report, nil
}

// Deny discards a pending run.
func (s *Scheduler) Deny(confirmationID string) error {
	p, err := s.take(confirmationID)
	if err != nil {
		return err
	}
	s.logInfo("Confirmation %s for agent %s denied", p.ID, p.AgentID)
	return nil
}
