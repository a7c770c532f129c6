package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andywolf/autopilot/internal/agent"
	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/executor"
	"github.com/andywolf/autopilot/internal/metrics"
	"github.com/andywolf/autopilot/internal/template"
)

// Outcome summarizes what happened to one event delivery.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomePreview     Outcome = "preview"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeDeferred    Outcome = "confirmation_required"
	OutcomeDisabled    Outcome = "disabled"
)

// ActionOutcome pairs an action with its result.
type ActionOutcome struct {
	ActionID string
	Result   executor.Result
}

// Report describes one delivery to one agent.
type Report struct {
	AgentID string
	EventID string
	Outcome Outcome
	Results []ActionOutcome
	// FailedAction is set when Outcome is OutcomeFailure.
	FailedAction string
	// ConfirmationID is set when Outcome is OutcomeDeferred.
	ConfirmationID string
}

// deliver handles one event for one agent. Everything that touches the
// agent's state happens under its lock; completion events are published
// after the lock is released.
func (s *Scheduler) deliver(ctx context.Context, id string, e events.Event) (Report, error) {
	report := Report{AgentID: id, EventID: e.ID}
	var pending *PendingRun

	err := s.registry.WithAgent(id, func(run *agent.Run) {
		cfg := run.Config()
		if !run.State().Enabled {
			report.Outcome = OutcomeDisabled
			return
		}
		if !s.affordable(run) {
			run.Skip()
			report.Outcome = OutcomeRateLimited
			return
		}
		if cfg.RequireConfirmation {
			p := s.newPending(cfg, e)
			pending = &p
			report.Outcome = OutcomeDeferred
			report.ConfirmationID = p.ID
			return
		}
		s.runActions(ctx, run, e, &report)
	})
	if err != nil {
		return report, fmt.Errorf("failed to deliver %s to agent %s: %w", e.Topic, id, err)
	}

	s.finishDelivery(e, &report, pending)
	return report, nil
}

// affordable reports whether the remaining budget covers every action of
// the agent, so a run never stops part-way for lack of budget. Preview runs
// are never charged and only need the window to be open.
func (s *Scheduler) affordable(run *agent.Run) bool {
	cfg := run.Config()
	if cfg.DryRun || s.exec.GlobalDryRun() {
		return run.CanAct()
	}
	return run.Remaining() >= len(cfg.Actions)
}

// runActions executes the agent's actions in order. The budget is charged
// once per executed action; preview results are never charged.
func (s *Scheduler) runActions(ctx context.Context, run *agent.Run, e events.Event, report *Report) {
	cfg := run.Config()
	vars := template.EventVariables(e, cfg.ID)

	run.Begin()
	previews := 0
	for _, action := range cfg.Actions {
		res := s.runAction(ctx, cfg, action, vars)
		if res.Preview {
			previews++
		} else {
			run.ConsumeAction()
		}
		report.Results = append(report.Results, ActionOutcome{ActionID: action.ID, Result: res})

		if !res.Success {
			run.Finish(fmt.Errorf("action %s failed: %s", action.ID, res.Message))
			report.Outcome = OutcomeFailure
			report.FailedAction = action.ID
			return
		}
	}
	run.Finish(nil)
	report.Outcome = OutcomeSuccess
	if previews == len(report.Results) {
		report.Outcome = OutcomePreview
	}
}

func (s *Scheduler) runAction(ctx context.Context, cfg agent.Config, a agent.ActionDefinition, vars map[string]string) executor.Result {
	timeout := time.Duration(a.Timeout)
	if timeout <= 0 {
		timeout = s.actionTimeout
	}
	caller := "agent:" + cfg.ID
	description := fmt.Sprintf("%s: %s", cfg.ID, a.DisplayName())

	if a.Operation != "" {
		call := executor.OperationCall{
			Name:        a.Operation,
			Params:      renderParams(a.Params, vars),
			Description: description,
			Timeout:     timeout,
			Caller:      caller,
		}
		if cfg.DryRun {
			return s.exec.PreviewOperation(call)
		}
		return s.exec.RunOperation(ctx, call)
	}

	cmd := executor.Command{
		Name:        a.Command,
		Args:        template.RenderArgs(a.Args, vars),
		Description: description,
		Privileged:  a.Privileged(),
		Timeout:     timeout,
		Caller:      caller,
	}
	if cfg.DryRun {
		return s.exec.Preview(cmd)
	}
	return s.exec.Execute(ctx, cmd)
}

// renderParams fills placeholders in string-valued operation parameters.
func renderParams(params map[string]any, vars map[string]string) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if str, ok := v.(string); ok {
			out[k] = template.Render(str, vars)
			continue
		}
		out[k] = v
	}
	return out
}

// finishDelivery logs, counts and publishes the outcome of a delivery.
func (s *Scheduler) finishDelivery(e events.Event, report *Report, pending *PendingRun) {
	id := report.AgentID
	switch report.Outcome {
	case OutcomeDisabled:
		s.logInfo("Agent %s is disabled, ignoring %s", id, e.Topic)
	case OutcomeRateLimited:
		s.logWarning("agent %s rate limited, skipping event %s (%s)", id, e.ID, e.Topic)
		metrics.RateLimitSkips.WithLabelValues(id).Inc()
		metrics.AgentRuns.WithLabelValues(id, string(OutcomeRateLimited)).Inc()
	case OutcomeDeferred:
		s.storePending(*pending)
		metrics.ConfirmationsRequested.WithLabelValues(id).Inc()
		s.logInfo("Agent %s awaiting confirmation %s for %s", id, pending.ID, e.Topic)
		s.publish(events.AgentConfirmationTopic(id), pending.payload(), id)
	case OutcomeFailure:
		failed := report.Results[len(report.Results)-1]
		s.logError("agent %s failed at action %s: %s", id, failed.ActionID, failed.Result.Message)
		metrics.AgentRuns.WithLabelValues(id, string(OutcomeFailure)).Inc()
		s.publish(events.AgentFailureTopic(id), map[string]any{
			"agent_id":    id,
			"event_id":    e.ID,
			"event_topic": e.Topic,
			"action_id":   failed.ActionID,
			"result":      failed.Result.Map(),
			"results":     resultMaps(report.Results),
		}, id)
	case OutcomeSuccess, OutcomePreview:
		s.logInfo("Agent %s completed %d actions for %s", id, len(report.Results), e.Topic)
		metrics.AgentRuns.WithLabelValues(id, string(report.Outcome)).Inc()
		s.publish(events.AgentSuccessTopic(id), map[string]any{
			"agent_id":    id,
			"event_id":    e.ID,
			"event_topic": e.Topic,
			"dry_run":     report.Outcome == OutcomePreview,
			"results":     resultMaps(report.Results),
		}, id)
	}
}

func resultMaps(results []ActionOutcome) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		m := r.Result.Map()
		m["action_id"] = r.ActionID
		out[i] = m
	}
	return out
}

// Deliver runs the agent for e synchronously, as if the bus had
// delivered it. It is used by one-shot callers such as the CLI.
func (s *Scheduler) Deliver(ctx context.Context, agentID string, e events.Event) (Report, error) {
	if e.Topic == "" {
		return Report{}, errors.New("event topic is required")
	}
	return s.deliver(ctx, agentID, e)
}
