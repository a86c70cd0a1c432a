package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var events []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestNew_FileOutputCarriesIdentifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.log")
	log := New(Config{Level: "debug", Format: "json", Output: path})

	log.WithComponent("generation").WithAgentID("agent-1").WithRunID("run-9").Info().Msg("Generation run completed")
	log.WithConnection("conn-2", "linkedin").WithPostID("post-3").Debug().Msg("Publishing")

	events := readEvents(t, path)
	require.Len(t, events, 2)

	assert.Equal(t, "autopilot", events[0]["service"])
	assert.Equal(t, "generation", events[0]["component"])
	assert.Equal(t, "agent-1", events[0]["agent_id"])
	assert.Equal(t, "run-9", events[0]["run_id"])

	assert.Equal(t, "conn-2", events[1]["connection_id"])
	assert.Equal(t, "linkedin", events[1]["platform"])
	assert.Equal(t, "post-3", events[1]["post_id"])
}

func TestNew_UnknownLevelMeansInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.log")
	log := New(Config{Level: "verbose", Format: "json", Output: path})

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	events := readEvents(t, path)
	require.Len(t, events, 1)
	assert.Equal(t, "shown", events[0]["message"])
}

func TestOpenOutput_FallsBackToStderr(t *testing.T) {
	w, err := openOutput(filepath.Join(t.TempDir(), "missing", "dir", "autopilot.log"))
	assert.Error(t, err)
	assert.Equal(t, os.Stderr, w)

	w, err = openOutput("")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
}
