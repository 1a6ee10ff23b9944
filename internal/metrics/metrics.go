package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatTurns      prometheus.Counter
	RateLimited    prometheus.Counter
	LimitHits      prometheus.Counter
	ProviderErrors prometheus.Counter
	InputTokens    prometheus.Counter
	OutputTokens   prometheus.Counter
	PushEnqueued   prometheus.Counter
	PushSent       prometheus.Counter
	PushFailed     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatTurns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "chat_turns_total",
				Help:      "Total completed chat turns",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "chat_turns_rate_limited_total",
				Help:      "Total chat turns declined because the daily budget was exhausted",
			}),
			LimitHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "usage_limit_hits_total",
				Help:      "Total usage limit audit records written",
			}),
			ProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "provider_errors_total",
				Help:      "Total AI provider invocation failures",
			}),
			InputTokens: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "input_tokens_total",
				Help:      "Total input tokens reported by providers",
			}),
			OutputTokens: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "output_tokens_total",
				Help:      "Total output tokens reported by providers",
			}),
			PushEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "push_enqueued_total",
				Help:      "Total push notification jobs enqueued",
			}),
			PushSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "push_sent_total",
				Help:      "Total push notifications delivered to the gateway",
			}),
			PushFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bots",
				Name:      "push_failed_total",
				Help:      "Total push notification jobs that failed terminally",
			}),
		}
		prometheus.MustRegister(
			global.ChatTurns,
			global.RateLimited,
			global.LimitHits,
			global.ProviderErrors,
			global.InputTokens,
			global.OutputTokens,
			global.PushEnqueued,
			global.PushSent,
			global.PushFailed,
		)
	})
	return global
}
