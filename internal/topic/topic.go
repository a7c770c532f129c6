// Package topic holds the naming rules shared by the event bus and agent
// definitions. It has no dependencies so either side can import it.
package topic

import (
	"fmt"
	"strings"
)

// Validate checks that a topic is a non-empty dot-separated string with no
// empty segments and no wildcard characters.
func Validate(t string) error {
	if t == "" {
		return fmt.Errorf("topic is empty")
	}
	if strings.ContainsAny(t, "*#> \t\n") {
		return fmt.Errorf("topic %q contains wildcard or whitespace characters", t)
	}
	for _, seg := range strings.Split(t, ".") {
		if seg == "" {
			return fmt.Errorf("topic %q has an empty segment", t)
		}
	}
	return nil
}
