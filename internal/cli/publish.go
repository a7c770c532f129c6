package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andywolf/autopilot/internal/events"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish TOPIC [key=value...]",
	Short: "Publish an event and run the agents that react to it",
	Long: `Publish one event on an in-process bus with every enabled agent subscribed,
wait for the resulting agent runs to finish and print their completion events.

Examples:
  autopilot publish system.storage.low mount=/home percent=4
  autopilot publish network.connection.public ssid=CafeWifi --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: publishEvent,
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().Bool("dry-run", false, "Preview agent actions instead of executing them")
	publishCmd.Flags().Duration("wait", 2*time.Minute, "How long to wait for agent runs to finish")
	publishCmd.Flags().String("source", cliCaller, "Event source name")
	publishCmd.Flags().Bool("json", false, "Print completion events as JSON lines")
}

// eventCollector records agent completion events in arrival order.
type eventCollector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *eventCollector) handle(_ context.Context, e events.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *eventCollector) snapshot() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.events))
	copy(out, c.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func publishEvent(cmd *cobra.Command, args []string) error {
	topic := args[0]
	if err := events.ValidateTopic(topic); err != nil {
		return err
	}
	payload, err := parseParams(args[1:])
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	wait, _ := cmd.Flags().GetDuration("wait")
	source, _ := cmd.Flags().GetString("source")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	if dryRun {
		a.executor.SetGlobalDryRun(true)
	}
	a.loadAgents()

	collector := &eventCollector{}
	for _, ag := range a.registry.List() {
		for _, t := range []string{
			events.AgentSuccessTopic(ag.ID),
			events.AgentFailureTopic(ag.ID),
			events.AgentConfirmationTopic(ag.ID),
		} {
			a.bus.Subscribe(t, collector.handle)
		}
	}
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	e := a.bus.Publish(topic, payload, source)
	fmt.Printf("Published %s\n", e)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := a.bus.WaitIdle(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("agents still running after %s", wait)
		}
		return err
	}

	completed := collector.snapshot()
	if len(completed) == 0 {
		fmt.Println("No agent reacted.")
		return nil
	}
	for _, ce := range completed {
		if asJSON {
			data, err := json.Marshal(ce)
			if err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			fmt.Println(string(data))
			continue
		}
		fmt.Println(formatCompletion(ce))
	}
	return nil
}

// formatCompletion renders one agent.* event as a single line.
func formatCompletion(e events.Event) string {
	agentID, _ := e.Payload["agent_id"].(string)
	switch e.Topic {
	case events.AgentFailureTopic(agentID):
		action, _ := e.Payload["action_id"].(string)
		msg := ""
		if r, ok := e.Payload["result"].(map[string]any); ok {
			msg, _ = r["message"].(string)
		}
		return fmt.Sprintf("[FAIL] %s: action %s: %s", agentID, action, msg)
	case events.AgentConfirmationTopic(agentID):
		id, _ := e.Payload["confirmation_id"].(string)
		return fmt.Sprintf("[CONFIRM] %s: awaiting confirmation %s", agentID, id)
	default:
		n := 0
		if rs, ok := e.Payload["results"].([]map[string]any); ok {
			n = len(rs)
		}
		label := "OK"
		if dry, _ := e.Payload["dry_run"].(bool); dry {
			label = "PREVIEW"
		}
		return fmt.Sprintf("[%s] %s: %d action(s)", label, agentID, n)
	}
}
