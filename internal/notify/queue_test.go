package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/models"
)

// stuckSender never answers until released.
type stuckSender struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *stuckSender) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.release
	return tgbotapi.Message{}, nil
}

func (s *stuckSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestQueueDoesNotWaitOnSender(t *testing.T) {
	sender := &stuckSender{release: make(chan struct{})}
	q := NewQueue(NewTelegram(sender, 1, zap.NewNop()), 2, zap.NewNop())
	t.Cleanup(func() {
		close(sender.release)
		_ = q.Close(context.Background())
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			q.OrderCompleted(context.Background(), &models.Order{OrderCode: "AG0000000" + string(rune('0'+i))}, "webhook")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OrderCompleted blocked on a stuck sender")
	}
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestQueueDrainsOnClose(t *testing.T) {
	sender := &fakeSender{}
	q := NewQueue(NewTelegram(sender, 1, zap.NewNop()), 4, zap.NewNop())

	order := &models.Order{OrderCode: "AG1A2B3C4D"}
	q.OrderCompleted(context.Background(), order, "reconcile")
	order.OrderCode = "mutated"
	q.OrderCompleted(context.Background(), &models.Order{OrderCode: "AG5E6F7A8B"}, "admin")

	require.NoError(t, q.Close(context.Background()))
	require.Len(t, sender.sent, 2)
	assert.Contains(t, sender.sent[0].(tgbotapi.MessageConfig).Text, "AG1A2B3C4D")

	// Closed queues ignore new work.
	q.OrderCompleted(context.Background(), &models.Order{OrderCode: "AG00000000"}, "admin")
	assert.Len(t, sender.sent, 2)
}

func TestQueueCloseHonorsContext(t *testing.T) {
	sender := &stuckSender{release: make(chan struct{})}
	defer close(sender.release)
	q := NewQueue(NewTelegram(sender, 1, zap.NewNop()), 1, zap.NewNop())
	q.OrderCompleted(context.Background(), &models.Order{OrderCode: "AG00000001"}, "webhook")
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}
