package cli

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// parseParams turns key=value arguments into a payload map. Values that
// look like integers, floats or booleans are converted; everything else
// stays a string. Quote a value ("port='8080'") to keep it a string.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", arg)
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", key)
		}
		params[key] = parseValue(value)
	}
	return params, nil
}

func parseValue(s string) any {
	if len(s) >= 2 {
		if q := s[0]; (q == '\'' || q == '"') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.ContainsAny(s, "0123456789") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
