// Package worker moves engine events off the hot path of ticks and checks.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/events"
)

// ErrQueueFull is returned to the publisher when the buffer has no room; the event is dropped.
var ErrQueueFull = errors.New("notification queue full")

const drainTimeout = 5 * time.Second

// NotificationWorker buffers published events and hands them to a handler on
// its own goroutine, so a slow broker never stalls a workflow tick.
type NotificationWorker struct {
	handle  events.EventHandler
	queue   chan events.Event
	logger  *zap.Logger
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewNotificationWorker creates a worker with room for buffer pending events.
func NewNotificationWorker(handle events.EventHandler, buffer int, logger *zap.Logger) *NotificationWorker {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationWorker{
		handle: handle,
		queue:  make(chan events.Event, buffer),
		logger: logger,
	}
}

// Register subscribes the worker to every engine event on d.
func (w *NotificationWorker) Register(d events.Dispatcher) {
	events.SubscribeAll(d, w.enqueue)
}

func (w *NotificationWorker) enqueue(_ context.Context, event events.Event) error {
	select {
	case w.queue <- event:
		return nil
	default:
		w.dropped.Add(1)
		w.logger.Warn("notification queue full; event dropped",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return ErrQueueFull
	}
}

// Start processes events until ctx is cancelled, then drains what is left.
func (w *NotificationWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				w.drain()
				return
			case event := <-w.queue:
				w.deliver(ctx, event)
			}
		}
	}()
}

func (w *NotificationWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-w.queue:
			w.deliver(ctx, event)
		default:
			return
		}
	}
}

func (w *NotificationWorker) deliver(ctx context.Context, event events.Event) {
	// Handler errors are already logged by the handler.
	_ = w.handle(ctx, event)
}

// Wait blocks until the worker has stopped and drained.
func (w *NotificationWorker) Wait() {
	w.wg.Wait()
}

// Dropped reports how many events were discarded because the queue was full.
func (w *NotificationWorker) Dropped() int64 {
	return w.dropped.Load()
}
