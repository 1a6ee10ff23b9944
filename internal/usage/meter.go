package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tpaulshippy/bots/internal/metrics"
	"github.com/tpaulshippy/bots/internal/storage"
)

// ErrUnknownTimezone marks an account whose stored timezone name cannot be
// resolved. This is a configuration error, not a reason to fall back to UTC.
var ErrUnknownTimezone = errors.New("unknown timezone")

// maxCostDaily is the per-tier daily cost ceiling in dollars: a monthly
// budget spread over 31 days.
var maxCostDaily = map[int]float64{
	0: 0.01 / 31,
	1: 1.0 / 31,
	2: 5.0 / 31,
}

// Meter computes a user's AI spend for their local calendar day and decides
// whether further requests are blocked.
type Meter struct {
	store   *storage.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Config struct {
	Store   *storage.Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewMeter(cfg Config) *Meter {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Meter{
		store:   cfg.Store,
		logger:  cfg.Logger,
		metrics: m,
		now:     now,
	}
}

// CostForToday sums the user's token spend across chats active within the
// account's local day, priced at each model's per-token rates. Chats with no
// bot (and bots with no explicit model) are billed at the default model's
// rate. No configured models degrades to zero cost.
func (m *Meter) CostForToday(ctx context.Context, account storage.UserAccount) (cost float64, inputTokens, outputTokens int64, err error) {
	since, err := m.startOfLocalDay(account)
	if err != nil {
		return 0, 0, 0, err
	}

	models, err := m.store.ListAiModels(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list models: %w", err)
	}

	for _, model := range models {
		in, out, err := m.store.SumChatTokens(ctx, account.ID, &model.ID, since)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("sum tokens for %s: %w", model.ModelID, err)
		}
		cost += float64(in)*model.InputTokenCost + float64(out)*model.OutputTokenCost
		inputTokens += in
		outputTokens += out

		if model.IsDefault {
			// Chats without a model are attributed to the default rate.
			in, out, err := m.store.SumChatTokens(ctx, account.ID, nil, since)
			if err != nil {
				return 0, 0, 0, fmt.Errorf("sum default-model tokens: %w", err)
			}
			cost += float64(in)*model.InputTokenCost + float64(out)*model.OutputTokenCost
			inputTokens += in
			outputTokens += out
		}
	}

	if cost < 0 {
		cost = 0
	}
	return cost, inputTokens, outputTokens, nil
}

// IsOverLimit reports whether the account's spend has reached its tier
// ceiling. Crossing the ceiling writes one UsageLimitHit audit row per call;
// the write is intentionally repeated on every qualifying call.
func (m *Meter) IsOverLimit(ctx context.Context, account storage.UserAccount) (bool, error) {
	cost, inputTokens, outputTokens, err := m.CostForToday(ctx, account)
	if err != nil {
		return false, err
	}

	ceiling, ok := maxCostDaily[account.SubscriptionLevel]
	if !ok {
		ceiling = maxCostDaily[0]
	}
	if cost < ceiling {
		return false, nil
	}

	hit := storage.UsageLimitHit{
		UserAccountID:     account.ID,
		SubscriptionLevel: account.SubscriptionLevel,
		TotalInputTokens:  inputTokens,
		TotalOutputTokens: outputTokens,
	}
	if err := m.store.InsertUsageLimitHit(ctx, hit); err != nil {
		return true, fmt.Errorf("record limit hit: %w", err)
	}
	m.metrics.LimitHits.Inc()
	m.logger.Info().
		Int64("user_account_id", account.ID).
		Int("subscription_level", account.SubscriptionLevel).
		Float64("cost", cost).
		Msg("daily usage limit hit")
	return true, nil
}

// startOfLocalDay resolves local midnight in the account's timezone and
// returns it as the UTC query bound for the activity window.
func (m *Meter) startOfLocalDay(account storage.UserAccount) (time.Time, error) {
	loc, err := time.LoadLocation(account.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownTimezone, account.Timezone)
	}
	now := m.now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return midnight.UTC(), nil
}
