package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/models"
)

const (
	defaultQueueSize = 64
	deliveryTimeout  = 15 * time.Second
)

type delivery struct {
	order  models.Order
	source string
}

// Queue hands notifications to a single background worker so callers never
// wait on the downstream notifier. When the buffer is full the notification
// is dropped and logged.
type Queue struct {
	next Notifier
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	items  chan delivery
	done   chan struct{}
}

func NewQueue(next Notifier, size int, log *zap.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &Queue{
		next:  next,
		log:   log.Named("notify_queue"),
		items: make(chan delivery, size),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) OrderCompleted(_ context.Context, order *models.Order, source string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.items <- delivery{order: *order, source: source}:
	default:
		q.log.Warn("notification dropped, queue full", zap.String("order_code", order.OrderCode))
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for d := range q.items {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		q.next.OrderCompleted(ctx, &d.order, d.source)
		cancel()
	}
}

// Close stops accepting notifications and waits for the backlog to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
