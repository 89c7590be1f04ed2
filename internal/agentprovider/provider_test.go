package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_AssistantText(t *testing.T) {
	ev, ok := parseLine([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`))
	require.True(t, ok)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "hello", ev.Text)
}

func TestParseLine_ToolUse(t *testing.T) {
	ev, ok := parseLine([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`))
	require.True(t, ok)
	assert.Equal(t, EventToolUse, ev.Kind)
	assert.Equal(t, "Bash", ev.Tool)
}

func TestParseLine_ToolResult(t *testing.T) {
	ev, ok := parseLine([]byte(`{"type":"user","message":{"content":[{"type":"tool_result","content":"done"}]}}`))
	require.True(t, ok)
	assert.Equal(t, EventToolResult, ev.Kind)
	assert.Equal(t, "done", ev.ToolOutput)
}

func TestParseLine_ResultSuccess(t *testing.T) {
	ev, ok := parseLine([]byte(`{"type":"result","is_error":false,"result":"done implementing"}`))
	require.True(t, ok)
	assert.Equal(t, EventCompleted, ev.Kind)
	assert.Equal(t, "done implementing", ev.Summary)
}

func TestParseLine_ResultError(t *testing.T) {
	ev, ok := parseLine([]byte(`{"type":"result","is_error":true,"result":"boom"}`))
	require.True(t, ok)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "boom", ev.Text)
}

func TestParseLine_CanUseToolRequest(t *testing.T) {
	ev, ok := parseLine([]byte(`{"type":"control_request","request_id":"abc","request":{"subtype":"can_use_tool"}}`))
	require.True(t, ok)
	assert.Equal(t, EventWaitingForInput, ev.Kind)
}

func TestParseLine_InitMessageIgnored(t *testing.T) {
	_, ok := parseLine([]byte(`{"type":"system","subtype":"init","session_id":"x"}`))
	assert.False(t, ok)
}

func TestParseLine_MalformedJSON(t *testing.T) {
	_, ok := parseLine([]byte(`not json`))
	assert.False(t, ok)
}
