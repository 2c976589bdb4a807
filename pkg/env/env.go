// Package env reads process settings that must be known before config.Load,
// such as the log format used while bootstrapping.
package env

import "os"

// Get returns the first non-empty variable among keys, or fallback.
func Get(fallback string, keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return fallback
}
