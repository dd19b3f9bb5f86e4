package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/capserve/capserve/internal/config"
)

func TestNewLoggerLevel(t *testing.T) {
	if got := newLogger(config.Log{Level: "warn"}).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %v, want warn", got)
	}

	// An unparseable level falls back to info rather than failing startup.
	if got := newLogger(config.Log{Level: "shouting"}).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("fallback level = %v, want info", got)
	}
}
