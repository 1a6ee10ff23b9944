package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tpaulshippy/bots/internal/crypto"
	"github.com/tpaulshippy/bots/internal/metrics"
	"github.com/tpaulshippy/bots/internal/queue"
	"github.com/tpaulshippy/bots/internal/storage"
)

// Worker drains the push stream and delivers notifications to the configured
// push gateway, one HTTP call per job.
type Worker struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	dedupe        *queue.Deduplicator
	crypto        *crypto.Manager
	httpClient    *http.Client
	gatewayURL    string
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Dedupe        *queue.Deduplicator
	Crypto        *crypto.Manager
	HTTPClient    *http.Client
	GatewayURL    string
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		dedupe:        cfg.Dedupe,
		crypto:        cfg.Crypto,
		httpClient:    cfg.HTTPClient,
		gatewayURL:    cfg.GatewayURL,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("push job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			w.metrics.PushFailed.Inc()
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

// pushPayload is the gateway request body, one entry per device token.
type pushPayload struct {
	To    string         `json:"to"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

func (w *Worker) processJob(ctx context.Context, job queue.PushJob) error {
	if w.dedupe != nil && job.Attempts == 0 {
		first, err := w.dedupe.MarkFirst(ctx, job.JobID)
		if err != nil {
			return fmt.Errorf("dedupe job: %w", err)
		}
		if !first {
			return nil
		}
	}

	devices, err := w.store.ActiveDevicesForUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	payloads := make([]pushPayload, 0, len(devices))
	for _, d := range devices {
		if !wantsKind(d, job.Kind) {
			continue
		}
		token, err := w.crypto.UnmarshalEncryptedString(d.EncPushToken)
		if err != nil {
			w.logger.Warn().Err(err).Str("device_id", d.DeviceID).Msg("failed to decrypt push token")
			continue
		}
		payloads = append(payloads, pushPayload{
			To:    token,
			Title: job.Title,
			Body:  job.Preview,
			Data:  map[string]any{"chat_id": job.ChatID, "kind": job.Kind},
		})
	}
	if len(payloads) == 0 {
		return nil
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}

	w.metrics.PushSent.Inc()
	w.logger.Debug().
		Int64("user_id", job.UserID).
		Str("kind", job.Kind).
		Int("devices", len(payloads)).
		Msg("push delivered")
	return nil
}

func wantsKind(d storage.Device, kind string) bool {
	switch kind {
	case queue.PushKindNewChat:
		return d.NotifyOnNewChat
	case queue.PushKindNewMessage:
		return d.NotifyOnNewMessage
	default:
		return false
	}
}
