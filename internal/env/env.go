// Package env composes the extra environment handed to spawned
// services: prefix-normalized keys from configuration with simple
// ${VAR} expansion against the OS environment.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Normalize uppercases key and prepends prefix unless already present,
// so a config entry `keep_alive = "10m"` under the ollama table becomes
// OLLAMA_KEEP_ALIVE.
func Normalize(key, prefix string) string {
	upper := strings.ToUpper(strings.TrimSpace(key))
	if strings.HasPrefix(upper, prefix) {
		return upper
	}
	return prefix + upper
}

// Build turns a config extras map into a sorted KEY=VALUE slice with
// keys normalized under prefix and values ${VAR}-expanded from the OS
// environment. Overrides are applied last, un-normalized.
func Build(extras Var, prefix string, overrides Var) []string {
	m := make(Var, len(extras)+len(overrides))
	for k, v := range extras {
		if strings.TrimSpace(k) == "" {
			continue
		}
		m[Normalize(k, prefix)] = expand(v)
	}
	for k, v := range overrides {
		if k == "" {
			continue
		}
		m[k] = expand(v)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// expand performs single-pass ${VAR} expansion from the OS environment;
// unknown variables expand to the empty string.
func expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return os.Getenv(k) })
}
