package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractType(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]interface{}
		want string
	}{
		{"explicit type", map[string]interface{}{"type": "result"}, "result"},
		{"message unwraps inner", map[string]interface{}{"type": "message", "message": map[string]interface{}{"type": "tool_use"}}, "tool_use"},
		{"message without inner type", map[string]interface{}{"type": "message", "message": map[string]interface{}{}}, "text"},
		{"missing type", map[string]interface{}{"data": 1}, "unknown"},
		{"non-string type", map[string]interface{}{"type": 42}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractType(tt.msg))
		})
	}
}

func TestFormatForClientAssistant(t *testing.T) {
	msg := map[string]interface{}{
		"type":    "assistant",
		"message": map[string]interface{}{"content": "hello"},
		"uuid":    "drop-me",
	}

	out := FormatForClient(msg)
	assert.Equal(t, "assistant", out["type"])
	assert.Equal(t, msg["message"], out["message"])
	assert.NotContains(t, out, "uuid")
}

func TestFormatForClientToolUse(t *testing.T) {
	out := FormatForClient(map[string]interface{}{
		"type":  "tool_use",
		"name":  "Bash",
		"input": map[string]interface{}{"command": "ls"},
	})
	assert.Equal(t, "tool_use", out["type"])
	assert.Equal(t, "Bash", out["tool"])
	require.Contains(t, out, "input")
}

func TestFormatForClientResultDefaults(t *testing.T) {
	out := FormatForClient(map[string]interface{}{
		"type":           "result",
		"result":         "all done",
		"total_cost_usd": 0.01,
	})
	assert.Equal(t, "result", out["type"])
	assert.Equal(t, "success", out["subtype"])
	assert.Equal(t, "all done", out["result"])
}

func TestFormatForClientPassThrough(t *testing.T) {
	msg := map[string]interface{}{"type": "system", "subtype": "init", "model": "x"}
	assert.Equal(t, msg, FormatForClient(msg))
}
