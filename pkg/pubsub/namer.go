package pubsub

import (
	"fmt"
	"strings"
)

// Namer resolves a logical channel name from its parameters.
type Namer func(params ...string) (string, error)

// Template returns a Namer that fills each `{}` placeholder in pattern with
// one parameter, e.g. Template("user:{}") yields "user:42" for "42".
// Parameters must be non-empty and must not contain the ':' separator.
func Template(pattern string) Namer {
	arity := strings.Count(pattern, "{}")
	return func(params ...string) (string, error) {
		if len(params) != arity {
			return "", fmt.Errorf("pubsub: channel %q takes %d params, got %d", pattern, arity, len(params))
		}
		name := pattern
		for i, p := range params {
			if p == "" {
				return "", fmt.Errorf("pubsub: channel %q param %d is empty", pattern, i)
			}
			if strings.Contains(p, ":") {
				return "", fmt.Errorf("pubsub: channel %q param %q contains ':'", pattern, p)
			}
			name = strings.Replace(name, "{}", p, 1)
		}
		return name, nil
	}
}

// Static returns a Namer for a parameterless channel.
func Static(name string) Namer {
	return Template(strings.ReplaceAll(name, "{}", ""))
}
