package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/andywolf/autopilot/internal/agent"
	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/executor"
	"github.com/andywolf/autopilot/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeExecutor struct {
	mu         sync.Mutex
	commands   []executor.Command
	previews   []executor.Command
	operations []executor.OperationCall
	opPreviews []executor.OperationCall
	results    map[string]executor.Result
	hooks      map[string]func()
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: make(map[string]executor.Result),
		hooks:   make(map[string]func()),
	}
}

func (f *fakeExecutor) Execute(_ context.Context, cmd executor.Command) executor.Result {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	hook := f.hooks[cmd.Name]
	res, ok := f.results[cmd.Name]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if ok {
		return res
	}
	return executor.Result{Success: true, Message: executor.MsgCompleted}
}

func (f *fakeExecutor) Preview(cmd executor.Command) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews = append(f.previews, cmd)
	return executor.Result{Success: true, Preview: true, Message: "would run: " + cmd.Name}
}

func (f *fakeExecutor) RunOperation(_ context.Context, call executor.OperationCall) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operations = append(f.operations, call)
	return executor.Result{Success: true, Message: executor.MsgCompleted}
}

func (f *fakeExecutor) PreviewOperation(call executor.OperationCall) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opPreviews = append(f.opPreviews, call)
	return executor.Result{Success: true, Preview: true}
}

func (f *fakeExecutor) GlobalDryRun() bool { return false }

func (f *fakeExecutor) executed(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.Name == name {
			n++
		}
	}
	return n
}

type harness struct {
	bus      *events.Bus
	registry *agent.Registry
	exec     *fakeExecutor
	sched    *Scheduler
}

func newHarness(t *testing.T, configs ...agent.Config) *harness {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	h := &harness{
		bus:      events.NewBus(events.WithLogger(quiet)),
		registry: agent.NewRegistry(agent.WithLogger(quiet)),
		exec:     newFakeExecutor(),
	}
	for _, cfg := range configs {
		if err := h.registry.Register(cfg); err != nil {
			t.Fatalf("Register(%s) error = %v", cfg.ID, err)
		}
	}
	h.sched = New(h.registry, h.bus, h.exec, WithLogger(quiet))
	t.Cleanup(func() {
		h.sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.bus.Close(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
}

// capture records every event published on topic.
func (h *harness) capture(topic string) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	h.bus.Subscribe(topic, func(_ context.Context, e events.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func newAgent(id string, maxPerHour int, actions ...agent.ActionDefinition) agent.Config {
	return agent.Config{
		ID:                id,
		Name:              id,
		Type:              agent.TypeCleanup,
		Subscriptions:     []string{events.TopicStorageLow},
		Actions:           actions,
		MaxActionsPerHour: maxPerHour,
		Enabled:           true,
	}
}

func command(id, name string, severity agent.Severity, args ...string) agent.ActionDefinition {
	return agent.ActionDefinition{ID: id, Severity: severity, Command: name, Args: args}
}

func TestScheduler_RateLimitSkipsAfterBudget(t *testing.T) {
	cfg := newAgent("budget-three", 3, command("clean", "apt-get", agent.SeverityLow, "clean"))
	h := newHarness(t, cfg)
	h.start(t)

	for i := 0; i < 4; i++ {
		h.bus.Publish(events.TopicStorageLow, map[string]any{"percent": 5}, "test")
	}
	h.waitIdle(t)

	if n := h.exec.executed("apt-get"); n != 3 {
		t.Errorf("executions = %d, want 3", n)
	}
	st, _ := h.registry.GetState(cfg.ID)
	if st.SkipCount != 1 {
		t.Errorf("SkipCount = %d, want 1", st.SkipCount)
	}
	if st.ActionsThisHour != 3 {
		t.Errorf("ActionsThisHour = %d, want 3", st.ActionsThisHour)
	}
	if got := testutil.ToFloat64(metrics.RateLimitSkips.WithLabelValues(cfg.ID)); got != 1 {
		t.Errorf("rate limit skip metric = %v, want 1", got)
	}
}

func TestScheduler_FirstFailureStopsRun(t *testing.T) {
	cfg := newAgent("fails-first", 10,
		command("first", "false", agent.SeverityInfo),
		command("second", "echo", agent.SeverityInfo, "never"),
	)
	h := newHarness(t, cfg)
	code := 1
	h.exec.results["false"] = executor.Result{Success: false, Message: "exit status 1", ExitCode: &code}
	failures := h.capture(events.AgentFailureTopic(cfg.ID))
	successes := h.capture(events.AgentSuccessTopic(cfg.ID))
	h.start(t)

	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.waitIdle(t)

	if n := h.exec.executed("echo"); n != 0 {
		t.Errorf("second action executed %d times, want 0", n)
	}
	st, _ := h.registry.GetState(cfg.ID)
	if st.Status != agent.StatusError {
		t.Errorf("Status = %s, want ERROR", st.Status)
	}
	if st.ActionsThisHour != 1 {
		t.Errorf("ActionsThisHour = %d, want 1", st.ActionsThisHour)
	}
	if len(successes()) != 0 {
		t.Error("success event published for a failed run")
	}

	got := failures()
	if len(got) != 1 {
		t.Fatalf("failure events = %d, want 1", len(got))
	}
	if got[0].Payload["action_id"] != "first" {
		t.Errorf("action_id = %v, want first", got[0].Payload["action_id"])
	}
	result, _ := got[0].Payload["result"].(map[string]any)
	if result["success"] != false || result["exit_code"] != 1 || result["message"] != "exit status 1" {
		t.Errorf("failure result = %v", result)
	}
	if got[0].Source != "agent:"+cfg.ID {
		t.Errorf("Source = %q", got[0].Source)
	}
}

func TestScheduler_RecoversFromError(t *testing.T) {
	cfg := newAgent("flaky", 10, command("only", "flaky-cmd", agent.SeverityInfo))
	h := newHarness(t, cfg)
	h.exec.results["flaky-cmd"] = executor.Result{Success: false, Message: "boom"}
	h.start(t)

	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.waitIdle(t)
	if st, _ := h.registry.GetState(cfg.ID); st.Status != agent.StatusError {
		t.Fatalf("Status = %s, want ERROR", st.Status)
	}

	h.exec.mu.Lock()
	delete(h.exec.results, "flaky-cmd")
	h.exec.mu.Unlock()

	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.waitIdle(t)
	st, _ := h.registry.GetState(cfg.ID)
	if st.Status != agent.StatusIdle || st.LastError != "" {
		t.Errorf("state = %+v, want IDLE after a successful run", st)
	}
}

func TestScheduler_SuccessEvent(t *testing.T) {
	cfg := newAgent("two-steps", 10,
		command("journal", "journalctl", agent.SeverityMedium, "--vacuum-size=500M"),
		command("report", "df", agent.SeverityInfo, "-h"),
	)
	h := newHarness(t, cfg)
	successes := h.capture(events.AgentSuccessTopic(cfg.ID))
	h.start(t)

	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.waitIdle(t)

	got := successes()
	if len(got) != 1 {
		t.Fatalf("success events = %d, want 1", len(got))
	}
	results, _ := got[0].Payload["results"].([]map[string]any)
	if len(results) != 2 || results[0]["action_id"] != "journal" || results[1]["action_id"] != "report" {
		t.Errorf("results = %v", got[0].Payload["results"])
	}

	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	if !h.exec.commands[0].Privileged || h.exec.commands[1].Privileged {
		t.Error("privilege not derived from severity")
	}
	if h.exec.commands[0].Caller != "agent:two-steps" {
		t.Errorf("Caller = %q", h.exec.commands[0].Caller)
	}
	if st, _ := h.registry.GetState(cfg.ID); st.ActionsThisHour != 2 || st.Status != agent.StatusIdle {
		t.Errorf("state = %+v, want 2 actions charged and IDLE", st)
	}
}

func TestScheduler_RunSkippedWhenBudgetCannotCoverAllActions(t *testing.T) {
	cfg := newAgent("per-action", 3,
		command("a", "cmd-a", agent.SeverityInfo),
		command("b", "cmd-b", agent.SeverityInfo),
	)
	h := newHarness(t, cfg)
	successes := h.capture(events.AgentSuccessTopic(cfg.ID))
	failures := h.capture(events.AgentFailureTopic(cfg.ID))

	first, _ := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e1", Topic: events.TopicStorageLow})
	second, _ := h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e2", Topic: events.TopicStorageLow})
	h.waitIdle(t)

	if first.Outcome != OutcomeSuccess {
		t.Errorf("first Outcome = %s, want success", first.Outcome)
	}
	if second.Outcome != OutcomeRateLimited || len(second.Results) != 0 {
		t.Errorf("second = %+v, want rate_limited with no results", second)
	}
	if a, b := h.exec.executed("cmd-a"), h.exec.executed("cmd-b"); a != 1 || b != 1 {
		t.Errorf("executions a=%d b=%d, want a=1 b=1", a, b)
	}
	st, _ := h.registry.GetState(cfg.ID)
	if st.ActionsThisHour != 2 || st.SkipCount != 1 || st.RunCount != 1 {
		t.Errorf("state = %+v, want 2 actions, 1 skip, 1 run", st)
	}
	if len(successes()) != 1 || len(failures()) != 0 {
		t.Errorf("success events = %d, failure events = %d, want 1 and 0", len(successes()), len(failures()))
	}
}

func TestScheduler_GlobalDryRunNeverChargesBudget(t *testing.T) {
	cfg := newAgent("global-dry", 2, command("x", "true", agent.SeverityInfo))
	quiet := log.New(io.Discard, "", 0)
	bus := events.NewBus(events.WithLogger(quiet))
	registry := agent.NewRegistry(agent.WithLogger(quiet))
	if err := registry.Register(cfg); err != nil {
		t.Fatal(err)
	}
	exec := executor.New(executor.WithSandbox(executor.SandboxNever), executor.WithLogger(quiet))
	exec.SetGlobalDryRun(true)
	sched := New(registry, bus, exec, WithLogger(quiet))

	var mu sync.Mutex
	var completed []events.Event
	bus.Subscribe(events.AgentSuccessTopic(cfg.ID), func(_ context.Context, e events.Event) error {
		mu.Lock()
		completed = append(completed, e)
		mu.Unlock()
		return nil
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	}()

	for i := 0; i < 3; i++ {
		report, err := sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e", Topic: events.TopicStorageLow})
		if err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
		if report.Outcome != OutcomePreview {
			t.Errorf("delivery %d Outcome = %s, want preview", i, report.Outcome)
		}
		if len(report.Results) != 1 || !report.Results[0].Result.Preview {
			t.Errorf("delivery %d results = %+v, want one preview", i, report.Results)
		}
	}

	st, _ := registry.GetState(cfg.ID)
	if st.ActionsThisHour != 0 || st.SkipCount != 0 {
		t.Errorf("state = %+v, previews must not touch the budget", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 3 {
		t.Fatalf("success events = %d, want 3", len(completed))
	}
	for _, e := range completed {
		if e.Payload["dry_run"] != true {
			t.Errorf("dry_run = %v, want true", e.Payload["dry_run"])
		}
	}
}

func TestScheduler_ConcurrentDeliveriesNeverOvershoot(t *testing.T) {
	cfg := newAgent("burst", 5, command("x", "true", agent.SeverityInfo))
	h := newHarness(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.sched.Deliver(context.Background(), cfg.ID, events.Event{ID: "e", Topic: events.TopicStorageLow})
		}()
	}
	wg.Wait()

	if n := h.exec.executed("true"); n != 5 {
		t.Errorf("executions = %d, want 5", n)
	}
	st, _ := h.registry.GetState(cfg.ID)
	if st.ActionsThisHour != 5 || st.SkipCount != 35 {
		t.Errorf("state = %+v, want 5 actions and 35 skips", st)
	}
}

func TestScheduler_AgentsDoNotBlockEachOther(t *testing.T) {
	slow := newAgent("slow", 10, command("wait", "block", agent.SeverityInfo))
	fast := newAgent("fast", 10, command("go", "quick", agent.SeverityInfo))
	h := newHarness(t, slow, fast)

	started := make(chan struct{})
	release := make(chan struct{})
	h.exec.hooks["block"] = func() {
		close(started)
		<-release
	}
	h.start(t)

	h.bus.Publish(events.TopicStorageLow, nil, "test")

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("slow agent never started")
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.exec.executed("quick") == 0 {
		if time.Now().After(deadline) {
			close(release)
			t.Fatal("fast agent blocked behind slow agent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st, _ := h.registry.GetState("slow"); st.Status != agent.StatusRunning {
		t.Errorf("slow agent Status = %s, want RUNNING while blocked", st.Status)
	}

	close(release)
	h.waitIdle(t)
	if st, _ := h.registry.GetState("slow"); st.Status != agent.StatusIdle {
		t.Errorf("slow agent Status = %s after release, want IDLE", st.Status)
	}
}

func TestScheduler_DryRunPreviews(t *testing.T) {
	cfg := newAgent("dry", 1,
		command("clean", "apt-get", agent.SeverityHigh, "clean"),
		agent.ActionDefinition{ID: "profile", Severity: agent.SeverityLow, Operation: "set-power-profile"},
	)
	cfg.DryRun = true
	h := newHarness(t, cfg)
	successes := h.capture(events.AgentSuccessTopic(cfg.ID))
	h.start(t)

	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.waitIdle(t)

	h.exec.mu.Lock()
	commands, previews, opPreviews, ops := len(h.exec.commands), len(h.exec.previews), len(h.exec.opPreviews), len(h.exec.operations)
	h.exec.mu.Unlock()
	if commands != 0 || ops != 0 {
		t.Errorf("dry-run agent executed %d commands and %d operations", commands, ops)
	}
	if previews != 2 || opPreviews != 2 {
		t.Errorf("previews = %d, operation previews = %d, want 2 each", previews, opPreviews)
	}
	if st, _ := h.registry.GetState(cfg.ID); st.ActionsThisHour != 0 {
		t.Errorf("ActionsThisHour = %d, previews must not charge budget", st.ActionsThisHour)
	}
	got := successes()
	if len(got) != 2 || got[0].Payload["dry_run"] != true {
		t.Errorf("success events = %v", got)
	}
}

func TestScheduler_TemplatesAndOperations(t *testing.T) {
	cfg := newAgent("templated", 10,
		command("trim", "fstrim", agent.SeverityMedium, "{{mount}}"),
		agent.ActionDefinition{
			ID:        "notify",
			Severity:  agent.SeverityInfo,
			Operation: "notify",
			Params:    map[string]any{"message": "{{mount}} is at {{percent}}%", "urgent": true},
			Timeout:   agent.Duration(3 * time.Second),
		},
	)
	h := newHarness(t, cfg)

	report, err := h.sched.Deliver(context.Background(), cfg.ID, events.Event{
		ID:      "evt",
		Topic:   events.TopicStorageLow,
		Payload: map[string]any{"mount": "/home", "percent": 4},
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.Outcome != OutcomeSuccess || len(report.Results) != 2 {
		t.Errorf("report = %+v", report)
	}

	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	if !reflect.DeepEqual(h.exec.commands[0].Args, []string{"/home"}) {
		t.Errorf("args = %v, want rendered mount", h.exec.commands[0].Args)
	}
	if h.exec.commands[0].Timeout != DefaultActionTimeout {
		t.Errorf("command timeout = %v, want default", h.exec.commands[0].Timeout)
	}
	op := h.exec.operations[0]
	if op.Name != "notify" || op.Params["message"] != "/home is at 4%" || op.Params["urgent"] != true {
		t.Errorf("operation call = %+v", op)
	}
	if op.Timeout != 3*time.Second {
		t.Errorf("operation timeout = %v, want 3s", op.Timeout)
	}
}

func TestScheduler_EnableDisable(t *testing.T) {
	cfg := newAgent("toggle", 10, command("x", "true", agent.SeverityInfo))
	h := newHarness(t, cfg)
	h.start(t)

	if !h.sched.Subscribed(cfg.ID) {
		t.Fatal("enabled agent not subscribed after Start")
	}
	if err := h.sched.Disable(cfg.ID); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if h.sched.Subscribed(cfg.ID) {
		t.Error("disabled agent still subscribed")
	}
	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.waitIdle(t)
	if n := h.exec.executed("true"); n != 0 {
		t.Errorf("disabled agent executed %d times", n)
	}

	if err := h.sched.Enable(cfg.ID); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	h.bus.Publish(events.TopicStorageLow, nil, "test")
	h.waitIdle(t)
	if n := h.exec.executed("true"); n != 1 {
		t.Errorf("executions after Enable = %d, want 1", n)
	}

	if err := h.sched.Enable("missing"); !errors.Is(err, agent.ErrNotFound) {
		t.Errorf("Enable(missing) error = %v, want ErrNotFound", err)
	}
}

func TestScheduler_StartSkipsDisabledAgents(t *testing.T) {
	off := newAgent("off", 10, command("x", "true", agent.SeverityInfo))
	off.Enabled = false
	h := newHarness(t, off)
	h.start(t)

	if h.sched.Subscribed("off") {
		t.Error("disabled agent subscribed at Start")
	}
	if err := h.sched.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	h.sched.Stop()
	if err := h.sched.Start(); err != nil {
		t.Errorf("Start() after Stop error = %v", err)
	}
}

func TestScheduler_StopUnsubscribes(t *testing.T) {
	cfg := newAgent("stopper", 10, command("x", "true", agent.SeverityInfo))
	h := newHarness(t, cfg)
	h.start(t)
	h.sched.Stop()

	if n := h.bus.SubscriberCount(events.TopicStorageLow); n != 0 {
		t.Errorf("subscribers after Stop = %d, want 0", n)
	}
}
