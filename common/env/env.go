// Package env reads typed configuration values from the process environment.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the trimmed value of the named environment variable, or
// fallback if it is unset or empty.
func String(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return fallback
}

// Int returns the named environment variable parsed as an int, or fallback
// if unset, empty, or unparsable.
func Int(name string, fallback int) int {
	v := String(name, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Bool returns the named environment variable parsed as a bool, or fallback
// if unset, empty, or unparsable. Accepts the usual strconv.ParseBool forms
// plus "yes"/"no".
func Bool(name string, fallback bool) bool {
	v := strings.ToLower(String(name, ""))
	switch v {
	case "":
		return fallback
	case "yes":
		return true
	case "no":
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Duration returns the named environment variable parsed via
// time.ParseDuration, or fallback if unset, empty, or unparsable.
func Duration(name string, fallback time.Duration) time.Duration {
	v := String(name, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
