package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// restoreDefaults resets the global logger after each test; charmbracelet/log
// keeps package-level state.
func restoreDefaults(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		log.SetLevel(log.InfoLevel)
		log.SetOutput(os.Stderr)
		log.SetFormatter(log.TextFormatter)
	})
}

func TestSetup_Levels(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		quiet   bool
		want    log.Level
	}{
		{name: "default is info", want: log.InfoLevel},
		{name: "verbose is debug", verbose: true, want: log.DebugLevel},
		{name: "quiet is error", quiet: true, want: log.ErrorLevel},
		{name: "quiet beats verbose", verbose: true, quiet: true, want: log.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreDefaults(t)
			Setup(tt.verbose, tt.quiet, false)
			assert.Equal(t, tt.want, log.GetLevel())
		})
	}
}

func TestSetup_JSONFormatter(t *testing.T) {
	restoreDefaults(t)

	var buf bytes.Buffer
	Setup(false, false, true)
	SetOutput(&buf)

	log.Info("dispatch queued", "task_type", "create-story")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &parsed), "expected NDJSON line: %s", line)
	assert.Equal(t, "dispatch queued", parsed["msg"])
}

func TestNew_PrefixAppearsInOutput(t *testing.T) {
	restoreDefaults(t)

	var buf bytes.Buffer
	Setup(false, false, false)
	SetOutput(&buf)

	logger := New("phase")
	logger.Info("advancing")

	assert.Contains(t, buf.String(), "phase")
	assert.Contains(t, buf.String(), "advancing")
}
