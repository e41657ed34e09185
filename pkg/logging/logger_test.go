package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_Levels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL", "bogus", ""} {
		logger, err := NewZapLogger(level)
		require.NoError(t, err, "level %q", level)
		require.NotNil(t, logger)
	}
}

func TestZapLogger_FieldsAndChaining(t *testing.T) {
	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	// Variadic key/value pairs and derived loggers must not panic, even
	// with odd arities or non-string keys.
	logger.Info("plain message")
	logger.Info("with fields", "key", "value", "n", 42)
	logger.Warn("odd arity", "dangling")
	logger.Debug("non-string key", 123, "value")

	child := logger.WithField("component", "test")
	require.NotNil(t, child)
	child.Info("from child")

	grandchild := child.WithFields(map[string]interface{}{"a": 1, "b": "two"})
	require.NotNil(t, grandchild)
	grandchild.Error("from grandchild")

	_ = logger.Sync() // stdout sync can fail in CI; the call must not panic
}

func TestParseLevel(t *testing.T) {
	lv, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lv)

	_, err = ParseLevel("nope")
	assert.Error(t, err)
}

func TestGlobalLogger(t *testing.T) {
	orig := GetGlobalLogger()
	defer SetGlobalLogger(orig)

	logger, err := NewZapLogger("INFO")
	require.NoError(t, err)
	SetGlobalLogger(logger)
	assert.Equal(t, logger, GetGlobalLogger())

	// Package-level convenience functions route to the global logger.
	Info("global info", "k", "v")
	Warn("global warn")
}
