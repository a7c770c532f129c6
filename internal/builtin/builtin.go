// Package builtin registers the in-process operations that agent
// definitions can reference by name instead of a command.
package builtin

import (
	"context"
	"fmt"
	"log"

	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/executor"
)

// Operation names.
const (
	OpNotify    = "notify"
	OpDiskUsage = "disk-usage"
)

// TopicNotification carries messages raised by the notify operation.
const TopicNotification = "autopilot.notification"

// Publisher is the part of the event bus the notify operation needs.
type Publisher interface {
	Publish(topic string, payload map[string]any, source string) events.Event
}

// Register adds every built-in operation to ops.
func Register(ops *executor.Operations, pub Publisher, logger *log.Logger) error {
	builtins := map[string]executor.Operation{
		OpNotify:    notify(pub, logger),
		OpDiskUsage: diskUsage,
	}
	for name, op := range builtins {
		if err := ops.Register(name, op); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

// notify publishes a notification event for a desktop or UI listener.
// Params: message (required), title, urgency.
func notify(pub Publisher, logger *log.Logger) executor.Operation {
	return func(_ context.Context, params map[string]any) (map[string]any, error) {
		message, _ := params["message"].(string)
		if message == "" {
			return nil, fmt.Errorf("notify: message is required")
		}
		payload := map[string]any{"message": message, "urgency": "normal"}
		for _, key := range []string{"title", "urgency"} {
			if v, ok := params[key].(string); ok && v != "" {
				payload[key] = v
			}
		}

		e := pub.Publish(TopicNotification, payload, "operation:"+OpNotify)
		if logger != nil {
			logger.Printf("Notification: %s", message)
		}
		return map[string]any{"event_id": e.ID}, nil
	}
}

// diskUsage reports capacity of the filesystem holding path (default "/").
func diskUsage(_ context.Context, params map[string]any) (map[string]any, error) {
	path, _ := params["path"].(string)
	if path == "" {
		path = "/"
	}
	total, free, err := statDisk(path)
	if err != nil {
		return nil, fmt.Errorf("disk-usage %s: %w", path, err)
	}

	usedPercent := 0.0
	if total > 0 {
		usedPercent = float64(total-free) / float64(total) * 100
	}
	return map[string]any{
		"path":         path,
		"total_bytes":  total,
		"free_bytes":   free,
		"used_percent": usedPercent,
	}, nil
}
