// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dsymtools/dsymd/internal/log"
)

func envLogger() zerolog.Logger {
	return log.WithComponent("config")
}

// ParseString reads a string environment variable, logging whether the value
// came from the environment or the default. Values of sensitive keys are
// never logged.
func ParseString(key, defaultValue string) string {
	logger := envLogger()
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		logger.Debug().
			Str("key", key).
			Str("source", "default").
			Msg("using default value")
		return defaultValue
	}

	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "password") {
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Bool("sensitive", true).
			Msg("using environment variable")
	} else {
		logger.Debug().
			Str("key", key).
			Str("value", value).
			Str("source", "environment").
			Msg("using environment variable")
	}
	return value
}

// ParseInt reads an integer environment variable, falling back to the
// default on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := envLogger()
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer, using default")
		return defaultValue
	}
	return i
}

// ParseFloat reads a float environment variable, falling back to the default
// on parse errors.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := envLogger()
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float, using default")
		return defaultValue
	}
	return f
}

// ParseBool reads a boolean environment variable. Accepts strconv.ParseBool
// syntax; falls back to the default otherwise.
func ParseBool(key string, defaultValue bool) bool {
	logger := envLogger()
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Bool("default", defaultValue).
			Msg("invalid boolean, using default")
		return defaultValue
	}
	return b
}

// ParseDuration reads a duration environment variable in time.ParseDuration
// syntax, falling back to the default on parse errors.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := envLogger()
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}

// ParseStringSlice reads a comma-separated environment variable. Empty
// elements are dropped.
func ParseStringSlice(key string, defaultValue []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
