package codex

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// recorded from `codex exec --json`, banner line included
const sampleStream = `OpenAI Codex (research preview)
{"type":"thread.started","thread_id":"th_1"}
{"type":"turn.started"}
{"type":"item.completed","item":{"id":"item_0","item_type":"reasoning","text":"Inspecting the repo layout."}}
{"type":"item.completed","item":{"id":"item_1","item_type":"command_execution","command":"ls -la","aggregated_output":"main.go\ngo.mod\n","exit_code":0,"status":"completed"}}
{"type":"item.completed","item":{"id":"item_2","item_type":"agent_message","text":"The repo has two files."}}
{"type":"turn.completed","usage":{"input_tokens":900,"cached_input_tokens":400,"output_tokens":120}}
`

func TestStreamReader_ParsesRecordedRun(t *testing.T) {
	var events []*Event
	r := NewStreamReader(strings.NewReader(sampleStream), func(e *Event) {
		events = append(events, e)
	}, testLogger(t))

	require.NoError(t, r.Read(context.Background()))
	require.Len(t, events, 6)

	assert.Equal(t, EventThreadStarted, events[0].Type)
	assert.Equal(t, "th_1", events[0].ThreadID)

	reasoning := events[2].Item
	require.NotNil(t, reasoning)
	assert.Equal(t, ItemReasoning, reasoning.ItemType)

	cmd := events[3].Item
	assert.Equal(t, ItemCommandExecution, cmd.ItemType)
	assert.Equal(t, "ls -la", cmd.Command)
	require.NotNil(t, cmd.ExitCode)
	assert.Equal(t, 0, *cmd.ExitCode)

	msg := events[4].Item
	assert.Equal(t, ItemAgentMessage, msg.ItemType)
	assert.Equal(t, "The repo has two files.", msg.Text)

	done := events[5]
	assert.Equal(t, EventTurnCompleted, done.Type)
	assert.Equal(t, int64(1020), done.Usage.Total())
}

func TestStreamReader_ErrorEvents(t *testing.T) {
	stream := `{"type":"error","message":"stream disconnected"}
{"type":"turn.failed","error":{"message":"usage limit reached"}}
`
	var events []*Event
	r := NewStreamReader(strings.NewReader(stream), func(e *Event) {
		events = append(events, e)
	}, testLogger(t))

	require.NoError(t, r.Read(context.Background()))
	require.Len(t, events, 2)
	assert.Equal(t, "stream disconnected", events[0].ErrorMessage())
	assert.Equal(t, EventTurnFailed, events[1].Type)
	assert.Equal(t, "usage limit reached", events[1].ErrorMessage())
}
