// Package template fills {{placeholder}} markers in action arguments with
// values taken from the triggering event.
package template

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/andywolf/autopilot/internal/events"
)

// variablePattern matches {{variable}} placeholders and captures the name.
var variablePattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Built-in variable names. They shadow payload keys of the same name.
const (
	VarEventTopic  = "event_topic"
	VarEventSource = "event_source"
	VarEventID     = "event_id"
	VarAgentID     = "agent_id"
)

// Render substitutes {{variable}} placeholders in s. Unknown variables are
// left as-is.
func Render(s string, variables map[string]string) string {
	if len(variables) == 0 {
		return s
	}

	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if value, ok := variables[name]; ok {
			return value
		}
		return match
	})
}

// RenderArgs renders each argument independently. The result always has
// the same length as args, so a value containing spaces never splits into
// extra argv elements.
func RenderArgs(args []string, variables map[string]string) []string {
	if args == nil {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Render(a, variables)
	}
	return out
}

// MergeVariables merges two variable sets; overrides win on collision.
func MergeVariables(base, overrides map[string]string) map[string]string {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}

	result := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range overrides {
		result[k] = v
	}
	return result
}

// EventVariables returns the variables available to an agent's actions
// for event e: every scalar payload value plus the built-ins.
func EventVariables(e events.Event, agentID string) map[string]string {
	payload := make(map[string]string, len(e.Payload))
	for k, v := range e.Payload {
		if s, ok := scalarString(v); ok {
			payload[k] = s
		}
	}
	builtins := map[string]string{
		VarEventTopic:  e.Topic,
		VarEventSource: e.Source,
		VarEventID:     e.ID,
		VarAgentID:     agentID,
	}
	return MergeVariables(payload, builtins)
}

// scalarString formats strings, booleans and numbers. Composite values
// are not substitutable.
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return "", false
	}
}
