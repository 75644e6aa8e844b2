package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	return New(logger.Default())
}

func feedAll(p *Parser, data []byte, chunkSize int) []map[string]interface{} {
	var events []map[string]interface{}
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		events = append(events, p.Feed(data[off:end])...)
	}
	return events
}

func TestFeedSingleObject(t *testing.T) {
	p := newTestParser(t)

	events := p.Feed([]byte(`{"type":"assistant","message":{"type":"text","text":"hi"}}`))
	require.Len(t, events, 1)
	assert.Equal(t, "assistant", events[0]["type"])
	assert.Equal(t, 0, p.Buffered())
}

func TestFeedMultipleObjectsOneChunk(t *testing.T) {
	p := newTestParser(t)

	events := p.Feed([]byte(`{"a":1}{"b":2}{"c":3}`))
	require.Len(t, events, 3)
	assert.Equal(t, float64(1), events[0]["a"])
	assert.Equal(t, float64(3), events[2]["c"])
}

// Chunking must not change what is extracted: any partition of the stream
// yields the same event sequence as feeding it whole.
func TestFeedChunkingInvariant(t *testing.T) {
	payload := []byte(`{"type":"system","subtype":"init"}` + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"nested {braces} and \"quotes\""}]}}` + "\n" +
		`{"type":"result","subtype":"success","total_cost_usd":0.042,"result":"done"}`)

	whole := feedAll(newTestParser(t), payload, len(payload))
	require.Len(t, whole, 3)

	for _, size := range []int{1, 2, 3, 7, 16, 64} {
		chunked := feedAll(newTestParser(t), payload, size)
		assert.Equal(t, whole, chunked, "chunk size %d", size)
	}
}

func TestFeedObjectSpansChunks(t *testing.T) {
	p := newTestParser(t)

	require.Empty(t, p.Feed([]byte(`{"type":"assis`)))
	assert.Greater(t, p.Buffered(), 0)

	events := p.Feed([]byte(`tant","done":true}`))
	require.Len(t, events, 1)
	assert.Equal(t, "assistant", events[0]["type"])
	assert.Equal(t, 0, p.Buffered())
}

func TestFeedBracesInsideStrings(t *testing.T) {
	p := newTestParser(t)

	events := p.Feed([]byte(`{"text":"open { and close } and escaped \" quote {{"}`))
	require.Len(t, events, 1)
	assert.Equal(t, `open { and close } and escaped " quote {{`, events[0]["text"])
}

func TestFeedIgnoresInterleavedNoise(t *testing.T) {
	p := newTestParser(t)

	events := p.Feed([]byte("warning: something\n{\"type\":\"output\"}\ntrailing noise\n{\"type\":\"result\"}\n"))
	require.Len(t, events, 2)
	assert.Equal(t, "output", events[0]["type"])
	assert.Equal(t, "result", events[1]["type"])
}

func TestFeedDropsBalancedButInvalid(t *testing.T) {
	p := newTestParser(t)

	// Balanced braces, not valid JSON. The parser must drop it and keep going.
	events := p.Feed([]byte(`{invalid}{"ok":true}`))
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0]["ok"])
}

func TestReset(t *testing.T) {
	p := newTestParser(t)

	p.Feed([]byte(`{"partial":`))
	require.Greater(t, p.Buffered(), 0)

	p.Reset()
	assert.Equal(t, 0, p.Buffered())

	events := p.Feed([]byte(`{"fresh":1}`))
	require.Len(t, events, 1)
}

func TestFeedLargeNestedEvent(t *testing.T) {
	inner := map[string]interface{}{
		"type": "tool_use",
		"name": "Edit",
		"input": map[string]interface{}{
			"old": `func main() { fmt.Println("}") }`,
			"new": `func main() {}`,
		},
	}
	raw, err := json.Marshal(inner)
	require.NoError(t, err)

	events := feedAll(newTestParser(t), raw, 5)
	require.Len(t, events, 1)
	assert.Equal(t, "tool_use", events[0]["type"])
}
