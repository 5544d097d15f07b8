// Package envutil reads typed configuration overrides from the process
// environment, falling back to a caller-supplied default.
package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Int reads name as an int, returning def if unset or unparsable.
func Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// Bool reads name as a bool, returning def if unset or unparsable.
func Bool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// String reads name, returning def if unset.
func String(name string, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

// Duration reads name as a Go duration string (e.g. "30s"), returning def
// if unset or unparsable.
func Duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
