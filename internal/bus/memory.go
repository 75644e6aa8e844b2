package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// MemoryClient implements Client with in-process state. It backs unit
// tests and single-node development mode (redis.url empty). Semantics
// match the Redis implementation: nil for missing keys, (nil, nil) on
// pop timeout, broadcast pub/sub with per-subscriber buffers.
type MemoryClient struct {
	mu     sync.Mutex
	values map[string][]byte
	hashes map[string]map[string]string
	lists  map[string]*memoryList
	sets   map[string]map[string]struct{}
	expiry map[string]time.Time
	topics map[string][]*memorySub
	closed bool
	logger *logger.Logger
}

type memoryList struct {
	items  [][]byte
	notify chan struct{}
}

type memorySub struct {
	client *MemoryClient
	topic  string
	ch     chan []byte
	closed bool
	mu     sync.Mutex
}

// NewMemoryClient creates an empty in-process bus.
func NewMemoryClient(log *logger.Logger) *MemoryClient {
	return &MemoryClient{
		values: make(map[string][]byte),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string]*memoryList),
		sets:   make(map[string]map[string]struct{}),
		expiry: make(map[string]time.Time),
		topics: make(map[string][]*memorySub),
		logger: log,
	}
}

func (c *MemoryClient) Publish(ctx context.Context, topic string, payload []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("bus is closed")
	}

	var delivered int64
	for _, sub := range c.topics[topic] {
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- payload:
				delivered++
			default:
				c.logger.Warn("dropping message for slow subscriber",
					zap.String("topic", topic))
			}
		}
		sub.mu.Unlock()
	}
	return delivered, nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySub{client: c, topic: topic, ch: make(chan []byte, 256)}
	c.topics[topic] = append(c.topics[topic], sub)
	return sub, nil
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.mu.Lock()
	subs := s.client.topics[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.client.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.client.mu.Unlock()

	close(s.ch)
	return nil
}

func (c *MemoryClient) Push(ctx context.Context, queue string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.list(queue)
	l.items = append(l.items, payload)
	c.wake(l)
	return nil
}

func (c *MemoryClient) PushFront(ctx context.Context, queue string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.list(queue)
	l.items = append([][]byte{payload}, l.items...)
	c.wake(l)
	return nil
}

func (c *MemoryClient) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		c.purgeExpired(queue)
		l := c.list(queue)
		if len(l.items) > 0 {
			head := l.items[0]
			l.items = l.items[1:]
			c.mu.Unlock()
			return head, nil
		}
		notify := l.notify
		c.mu.Unlock()

		select {
		case <-notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *MemoryClient) Pop(ctx context.Context, queue string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(queue)
	l := c.list(queue)
	if len(l.items) == 0 {
		return nil, nil
	}
	head := l.items[0]
	l.items = l.items[1:]
	return head, nil
}

func (c *MemoryClient) Trim(ctx context.Context, key string, start, stop int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.list(key)
	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		l.items = nil
		return nil
	}
	l.items = l.items[start : stop+1]
	return nil
}

func (c *MemoryClient) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(key)
	l := c.list(key)
	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, item := range l.items[start : stop+1] {
		out = append(out, item)
	}
	return out, nil
}

func (c *MemoryClient) HashSet(ctx context.Context, key string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(key)
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (c *MemoryClient) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(key)
	out := make(map[string]string, len(c.hashes[key]))
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (c *MemoryClient) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	if ttl > 0 {
		c.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(c.expiry, key)
	}
	return nil
}

func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(key)
	v, ok := c.values[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (c *MemoryClient) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.deleteKey(key)
	}
	return nil
}

func (c *MemoryClient) DeletePattern(ctx context.Context, pattern string) error {
	re, err := globToRegexp(pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.allKeys() {
		if re.MatchString(key) {
			c.deleteKey(key)
		}
	}
	return nil
}

func (c *MemoryClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exists(key) {
		c.expiry[key] = time.Now().Add(ttl)
	}
	return nil
}

func (c *MemoryClient) SetAdd(ctx context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[key]
	if !ok {
		s = make(map[string]struct{})
		c.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (c *MemoryClient) SetRemove(ctx context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		delete(c.sets[key], m)
	}
	return nil
}

func (c *MemoryClient) SetMembers(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (c *MemoryClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	subs := make([]*memorySub, 0)
	for _, topicSubs := range c.topics {
		subs = append(subs, topicSubs...)
	}
	c.topics = make(map[string][]*memorySub)
	c.closed = true
	c.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	return nil
}

// list returns the queue, creating it when absent. Caller holds mu.
func (c *MemoryClient) list(key string) *memoryList {
	l, ok := c.lists[key]
	if !ok {
		l = &memoryList{notify: make(chan struct{})}
		c.lists[key] = l
	}
	return l
}

// wake broadcasts to blocked poppers. Caller holds mu.
func (c *MemoryClient) wake(l *memoryList) {
	close(l.notify)
	l.notify = make(chan struct{})
}

// purgeExpired drops a key whose TTL has lapsed. Caller holds mu.
func (c *MemoryClient) purgeExpired(key string) {
	if exp, ok := c.expiry[key]; ok && time.Now().After(exp) {
		c.deleteKey(key)
	}
}

// deleteKey removes a key from every store. Caller holds mu.
func (c *MemoryClient) deleteKey(key string) {
	delete(c.values, key)
	delete(c.hashes, key)
	delete(c.lists, key)
	delete(c.sets, key)
	delete(c.expiry, key)
}

// exists reports whether key is present in any store. Caller holds mu.
func (c *MemoryClient) exists(key string) bool {
	if _, ok := c.values[key]; ok {
		return true
	}
	if _, ok := c.hashes[key]; ok {
		return true
	}
	if _, ok := c.lists[key]; ok {
		return true
	}
	if _, ok := c.sets[key]; ok {
		return true
	}
	return false
}

// allKeys snapshots every key across stores. Caller holds mu.
func (c *MemoryClient) allKeys() []string {
	keys := make([]string, 0)
	for k := range c.values {
		keys = append(keys, k)
	}
	for k := range c.hashes {
		keys = append(keys, k)
	}
	for k := range c.lists {
		keys = append(keys, k)
	}
	for k := range c.sets {
		keys = append(keys, k)
	}
	return keys
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return regexp.Compile("^" + escaped + "$")
}
