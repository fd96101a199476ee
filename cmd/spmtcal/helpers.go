package main

import (
	"fmt"
	"strings"
)

// parseOverrides turns key=value pairs into configuration overrides. Keys
// are configuration paths such as timing.dacsettle.
func parseOverrides(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", p)
		}
		out[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
