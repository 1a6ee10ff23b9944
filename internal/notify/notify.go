package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tpaulshippy/bots/internal/metrics"
	"github.com/tpaulshippy/bots/internal/queue"
	"github.com/tpaulshippy/bots/internal/storage"
)

// previewLimit keeps push payloads small; the full message lives in the chat.
const previewLimit = 120

// QueueNotifier enqueues push jobs for chat activity onto the redis stream,
// where the delivery worker picks them up.
type QueueNotifier struct {
	queue   *queue.StreamQueue
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewQueueNotifier(q *queue.StreamQueue, logger zerolog.Logger, m *metrics.Metrics) *QueueNotifier {
	if m == nil {
		m = metrics.Global()
	}
	return &QueueNotifier{queue: q, logger: logger, metrics: m}
}

func (n *QueueNotifier) ChatCreated(ctx context.Context, userID int64, chat storage.Chat) error {
	return n.enqueue(ctx, queue.PushJob{
		UserID:  userID,
		ChatID:  chat.ChatID,
		Kind:    queue.PushKindNewChat,
		Title:   chat.Title,
		Preview: truncate(chat.Title, previewLimit),
	})
}

func (n *QueueNotifier) MessageCreated(ctx context.Context, userID int64, chat storage.Chat, preview string) error {
	return n.enqueue(ctx, queue.PushJob{
		UserID:  userID,
		ChatID:  chat.ChatID,
		Kind:    queue.PushKindNewMessage,
		Title:   chat.Title,
		Preview: truncate(preview, previewLimit),
	})
}

func (n *QueueNotifier) enqueue(ctx context.Context, job queue.PushJob) error {
	if _, err := n.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue push job: %w", err)
	}
	n.metrics.PushEnqueued.Inc()
	n.logger.Debug().
		Int64("user_id", job.UserID).
		Str("chat_id", job.ChatID).
		Str("kind", job.Kind).
		Msg("push job enqueued")
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
