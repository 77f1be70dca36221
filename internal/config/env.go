package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var envVarRe = regexp.MustCompile(`\$\{(\w+)\}`)

// substituteEnv replaces every ${VAR} occurrence with the value of the
// environment variable. Unset variables are collected and reported together
// so a config with several gaps fails with one actionable error.
func substituteEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envVarRe.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envVarRe.FindSubmatch(m)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		missing = dedupe(missing)
		return nil, fmt.Errorf("environment variables not set: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func dedupe(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}
