package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"INFO":    log.InfoLevel,
		" warn ":  log.WarnLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"":        log.InfoLevel,
		"verbose": log.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetup_WritesRotatingFile(t *testing.T) {
	defer func() {
		_ = Setup("info", "")
	}()

	file := filepath.Join(t.TempDir(), "logs", "netwatchd.log")
	require.NoError(t, Setup("debug", file))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.WithField("target", "8.8.8.8").Info("test message from logging test")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "test message from logging test")
	assert.Contains(t, string(data), "target=8.8.8.8")
}

func TestSetup_StderrOnly(t *testing.T) {
	require.NoError(t, Setup("warn", ""))
	assert.Equal(t, log.WarnLevel, log.GetLevel())
	_ = Setup("info", "")
}
