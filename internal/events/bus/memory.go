package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// MemoryEventBus dispatches events in-process for single-node
// deployments and tests. Every subscription owns an unbounded FIFO
// drained by its own goroutine: publishers never block on handlers and
// each handler sees events in publish order.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log}
}

// Publish hands the event to every subscription whose pattern matches
// the subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if subject == "" {
		return fmt.Errorf("subject must not be empty")
	}
	if event == nil {
		return fmt.Errorf("event must not be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	matched := 0
	for _, sub := range b.subs {
		if matchSubject(sub.pattern, subject) {
			sub.enqueue(event)
			matched++
		}
	}
	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", matched),
	)
	return nil
}

// Subscribe registers a handler for a subject pattern and starts its
// delivery goroutine.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject must not be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := newMemorySubscription(b, subject, handler)
	b.subs = append(b.subs, sub)
	go sub.run()
	return sub, nil
}

// Close stops delivery. Events still queued on subscriptions are
// dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// matchSubject checks a dotted pattern against a concrete subject.
// `*` matches exactly one token; token counts must agree.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	if len(pt) != len(st) {
		return false
	}
	for i := range pt {
		if pt[i] != "*" && pt[i] != st[i] {
			return false
		}
	}
	return true
}

// memorySubscription queues matched events and drains them on one
// goroutine.
type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Event
	stopped bool
}

func newMemorySubscription(b *MemoryEventBus, pattern string, handler EventHandler) *memorySubscription {
	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		handler: handler,
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (s *memorySubscription) enqueue(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
}

func (s *memorySubscription) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.handler(context.Background(), event); err != nil {
			s.bus.logger.Error("Event handler failed",
				zap.String("pattern", s.pattern),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
		}
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.queue = nil
	s.cond.Signal()
}

// Unsubscribe detaches the handler and stops its drainer.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}
