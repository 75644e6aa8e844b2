package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func newTestClient(t *testing.T) *MemoryClient {
	t.Helper()
	c := NewMemoryClient(logger.Default())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestQueueOrdering(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Push(ctx, "q", []byte("first")))
	require.NoError(t, c.Push(ctx, "q", []byte("second")))
	// Head injection jumps the line.
	require.NoError(t, c.PushFront(ctx, "q", []byte("urgent")))

	got, err := c.Pop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "urgent", string(got))

	got, err = c.Pop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = c.Pop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	got, err = c.Pop(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBlockingPop(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	t.Run("times out empty", func(t *testing.T) {
		start := time.Now()
		got, err := c.BlockingPop(ctx, "empty", 50*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("wakes on push", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = c.Push(ctx, "wake", []byte("payload"))
		}()
		got, err := c.BlockingPop(ctx, "wake", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(got))
	})

	t.Run("honors context cancel", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := c.BlockingPop(cctx, "never", 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPubSubFanOut(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sub1, err := c.Subscribe(ctx, "topic")
	require.NoError(t, err)
	sub2, err := c.Subscribe(ctx, "topic")
	require.NoError(t, err)

	n, err := c.Publish(ctx, "topic", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, "hello", string(msg))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive message")
		}
	}

	require.NoError(t, sub1.Close())
	n, err = c.Publish(ctx, "topic", []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "closed subscriber should not count")
}

func TestSubscribeCloseEndsChannel(t *testing.T) {
	c := newTestClient(t)
	sub, err := c.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, open := <-sub.Messages()
	assert.False(t, open, "channel should be closed after Close")
}

func TestTTLExpiry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "k", []byte("v"), 30*time.Millisecond))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	time.Sleep(50 * time.Millisecond)
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got, "value should expire")
}

func TestHashExpire(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HashSet(ctx, "h", map[string]string{
		"status":         "running",
		"last_heartbeat": "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, c.Expire(ctx, "h", 30*time.Millisecond))

	fields, err := c.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "running", fields["status"])

	time.Sleep(50 * time.Millisecond)
	fields, err = c.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, fields, "hash should expire with its key")
}

func TestTrimAndRange(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, c.PushFront(ctx, "buf", []byte(v)))
	}
	// Newest first: e d c b a. Keep the three newest.
	require.NoError(t, c.Trim(ctx, "buf", 0, 2))

	items, err := c.Range(ctx, "buf", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "e", string(items[0]))
	assert.Equal(t, "c", string(items[2]))
}

func TestSetsAndPatternDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetAdd(ctx, ActiveSessionsKey, "s1", "s2"))
	members, err := c.SetMembers(ctx, ActiveSessionsKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, members)

	require.NoError(t, c.SetRemove(ctx, ActiveSessionsKey, "s1"))
	members, err = c.SetMembers(ctx, ActiveSessionsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, members)

	require.NoError(t, c.SetWithTTL(ctx, StateKey("s2"), []byte("x"), 0))
	require.NoError(t, c.Push(ctx, InputKey("s2"), []byte("p")))
	require.NoError(t, c.SetWithTTL(ctx, "other", []byte("y"), 0))

	require.NoError(t, c.DeletePattern(ctx, SessionKeyPattern("s2")))

	got, err := c.Get(ctx, StateKey("s2"))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "y", string(got), "unrelated keys survive pattern delete")
}

func TestSessionKeys(t *testing.T) {
	assert.Equal(t, "session:abc:state", StateKey("abc"))
	assert.Equal(t, "session:abc:input", InputKey("abc"))
	assert.Equal(t, "session:abc:output", OutputTopic("abc"))
	assert.Equal(t, "session:abc:output_buffer", OutputBufferKey("abc"))
	assert.Equal(t, "session:abc:result", ResultKey("abc"))
	assert.Equal(t, "session:abc:interrupt", InterruptTopic("abc"))
	assert.Equal(t, "session:abc:interrupt_queue", InterruptQueueKey("abc"))
	assert.Equal(t, "session:abc:children", ChildrenTopic("abc"))
	assert.Equal(t, "session:abc:discord:response:i1", DiscordResponseKey("abc", "i1"))
}
