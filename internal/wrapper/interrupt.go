package wrapper

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/stream"
)

// InterruptHandler receives interrupts from the topic or the backup queue.
type InterruptHandler func(ctx context.Context, interrupt *stream.Interrupt)

// InterruptListener delivers interrupts to registered handlers. Interrupts
// arrive on a pub/sub topic and, for the window before the subscription is
// live, on a backup queue drained at startup. Delivery is at-least-once:
// handlers must tolerate duplicates.
type InterruptListener struct {
	bus       bus.Client
	sessionID string
	logger    *logger.Logger

	mu       sync.Mutex
	handlers []InterruptHandler

	sub    bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInterruptListener creates a listener for one session.
func NewInterruptListener(b bus.Client, sessionID string, log *logger.Logger) *InterruptListener {
	return &InterruptListener{
		bus:       b,
		sessionID: sessionID,
		logger:    log,
	}
}

// OnInterrupt registers a handler. Must be called before Start.
func (l *InterruptListener) OnInterrupt(handler InterruptHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Start subscribes to the interrupt topic, then drains the backup queue.
// Queue items predate the subscription, so they are dispatched first-come.
func (l *InterruptListener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	sub, err := l.bus.Subscribe(ctx, bus.InterruptTopic(l.sessionID))
	if err != nil {
		l.cancel()
		return err
	}
	l.sub = sub
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub.Messages():
				if !ok {
					return
				}
				l.dispatch(ctx, raw)
			}
		}
	}()

	l.drainQueued(ctx)

	l.logger.Info("interrupt listener started", zap.String("session_id", l.sessionID))
	return nil
}

// Stop closes the subscription and waits for the listener goroutine.
func (l *InterruptListener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	if l.sub != nil {
		_ = l.sub.Close()
	}
	<-l.done
	l.logger.Info("interrupt listener stopped")
}

// drainQueued processes interrupts queued while no listener was attached.
func (l *InterruptListener) drainQueued(ctx context.Context) {
	queue := bus.InterruptQueueKey(l.sessionID)
	for {
		raw, err := l.bus.Pop(ctx, queue)
		if err != nil {
			l.logger.Warn("failed to drain interrupt queue", zap.Error(err))
			return
		}
		if raw == nil {
			return
		}
		l.dispatch(ctx, raw)
	}
}

func (l *InterruptListener) dispatch(ctx context.Context, raw []byte) {
	interrupt, err := stream.DecodeInterrupt(raw)
	if err != nil {
		l.logger.Warn("dropping malformed interrupt", zap.Error(err))
		return
	}

	l.logger.Info("received interrupt",
		zap.String("type", interrupt.Type),
		zap.String("priority", interrupt.Priority))

	l.mu.Lock()
	handlers := make([]InterruptHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, interrupt)
	}
}

// RedirectBanner formats the prompt injected for a redirect interrupt.
// The banner tells the agent the new instruction preempts queued work.
func RedirectBanner(interrupt *stream.Interrupt) string {
	priority := interrupt.Priority
	if priority == "" {
		priority = stream.PriorityNormal
	}
	return "[INTERRUPT FROM PARENT - " + strings.ToUpper(priority) + " PRIORITY]\n\n" + interrupt.Message
}
