package usage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tpaulshippy/bots/internal/storage"
)

const (
	microInputCost  = 0.000000035
	microOutputCost = 0.00000014
	liteInputCost   = 0.00000006
	liteOutputCost  = 0.00000024
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "usage.db")
	store, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestMeter(store *storage.Store, now time.Time) *Meter {
	return NewMeter(Config{
		Store:  store,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})
}

func seedModels(t *testing.T, store *storage.Store) (micro, lite storage.AiModel) {
	t.Helper()
	ctx := context.Background()
	micro, err := store.CreateAiModel(ctx, storage.AiModel{
		ModelID:         "nova-micro",
		Name:            "Nova Micro",
		InputTokenCost:  microInputCost,
		OutputTokenCost: microOutputCost,
	})
	if err != nil {
		t.Fatalf("create nova-micro: %v", err)
	}
	lite, err = store.CreateAiModel(ctx, storage.AiModel{
		ModelID:         "nova-lite",
		Name:            "Nova Lite",
		InputTokenCost:  liteInputCost,
		OutputTokenCost: liteOutputCost,
		IsDefault:       true,
	})
	if err != nil {
		t.Fatalf("create nova-lite: %v", err)
	}
	return micro, lite
}

func seedAccount(t *testing.T, store *storage.Store, timezone string, level int) storage.UserAccount {
	t.Helper()
	ctx := context.Background()
	account, err := store.CreateUserAccount(ctx, "teen@example.com", timezone)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if level != 0 {
		if err := store.UpdateUserAccount(ctx, account.ID, level, timezone, nil); err != nil {
			t.Fatalf("update account: %v", err)
		}
		account, err = store.GetUserAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("reload account: %v", err)
		}
	}
	return account
}

// seedChat creates a chat with the given token rollup, last active at the
// given instant. A nil modelID leaves the chat bot-less so it bills at the
// default model's rate.
func seedChat(t *testing.T, store *storage.Store, userID int64, modelID *int64, in, out int64, activeAt time.Time) storage.Chat {
	t.Helper()
	ctx := context.Background()

	var botID *int64
	if modelID != nil {
		app, err := store.GetDefaultApp(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			app, err = store.CreateApp(ctx, "Bots", true)
		}
		if err != nil {
			t.Fatalf("default app: %v", err)
		}
		bot, err := store.CreateBot(ctx, storage.Bot{
			UserID:    &userID,
			AppID:     app.ID,
			AiModelID: modelID,
			Name:      "Homework Helper",
		})
		if err != nil {
			t.Fatalf("create bot: %v", err)
		}
		botID = &bot.ID
	}

	chat, err := store.CreateChat(ctx, storage.Chat{UserID: userID, BotID: botID, Title: "math"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := store.AddChatTokens(ctx, chat.ID, in, out, activeAt); err != nil {
		t.Fatalf("add chat tokens: %v", err)
	}
	return chat
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestCostForTodaySingleModel(t *testing.T) {
	store := newTestStore(t)
	_, lite := seedModels(t, store)
	now := time.Date(2026, 6, 15, 1, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	account := seedAccount(t, store, "UTC", 0)
	seedChat(t, store, account.ID, &lite.ID, 1000, 2000, now.Add(-30*time.Minute))

	cost, in, out, err := meter.CostForToday(context.Background(), account)
	if err != nil {
		t.Fatalf("cost for today: %v", err)
	}
	want := 1000*liteInputCost + 2000*liteOutputCost
	if !almostEqual(cost, want) {
		t.Fatalf("expected cost %v, got %v", want, cost)
	}
	if in != 1000 || out != 2000 {
		t.Fatalf("expected tokens 1000/2000, got %d/%d", in, out)
	}
}

func TestCostForTodayExcludesPriorDays(t *testing.T) {
	store := newTestStore(t)
	_, lite := seedModels(t, store)
	now := time.Date(2026, 6, 15, 1, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	account := seedAccount(t, store, "UTC", 0)
	// Active 2 hours ago: before UTC midnight, so outside the window.
	seedChat(t, store, account.ID, &lite.ID, 1000, 2000, now.Add(-2*time.Hour))

	cost, _, _, err := meter.CostForToday(context.Background(), account)
	if err != nil {
		t.Fatalf("cost for today: %v", err)
	}
	if cost != 0 {
		t.Fatalf("expected zero cost for yesterday's chat, got %v", cost)
	}
}

func TestCostForTodayHawaiiIncludesLateLocalEvening(t *testing.T) {
	store := newTestStore(t)
	_, lite := seedModels(t, store)
	// 01:00 UTC on the 15th is 15:00 on the 14th in Honolulu (UTC-10),
	// so Honolulu's day started at 10:00 UTC on the 14th.
	now := time.Date(2026, 6, 15, 1, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	account := seedAccount(t, store, "Pacific/Honolulu", 0)
	seedChat(t, store, account.ID, &lite.ID, 1000, 2000, now.Add(-2*time.Hour))

	cost, _, _, err := meter.CostForToday(context.Background(), account)
	if err != nil {
		t.Fatalf("cost for today: %v", err)
	}
	want := 1000*liteInputCost + 2000*liteOutputCost
	if !almostEqual(cost, want) {
		t.Fatalf("expected cost %v, got %v", want, cost)
	}
}

func TestCostForTodaySydneyExcludesEarlierLocalDay(t *testing.T) {
	store := newTestStore(t)
	_, lite := seedModels(t, store)
	// 01:00 UTC on the 15th is 11:00 on the 15th in Sydney (UTC+10),
	// so Sydney's day started at 14:00 UTC on the 14th. A chat active at
	// 13:00 UTC belongs to Sydney's yesterday.
	now := time.Date(2026, 6, 15, 1, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	account := seedAccount(t, store, "Australia/Sydney", 0)
	seedChat(t, store, account.ID, &lite.ID, 1000, 2000, time.Date(2026, 6, 14, 13, 0, 0, 0, time.UTC))

	cost, _, _, err := meter.CostForToday(context.Background(), account)
	if err != nil {
		t.Fatalf("cost for today: %v", err)
	}
	if cost != 0 {
		t.Fatalf("expected zero cost outside Sydney's day, got %v", cost)
	}
}

func TestCostForTodayMultipleModels(t *testing.T) {
	store := newTestStore(t)
	micro, lite := seedModels(t, store)
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	account := seedAccount(t, store, "UTC", 0)
	seedChat(t, store, account.ID, &micro.ID, 100, 200, now.Add(-time.Hour))
	seedChat(t, store, account.ID, &lite.ID, 1000, 2000, now.Add(-time.Hour))
	// Bot-less chat bills at the default (nova-lite) rate.
	seedChat(t, store, account.ID, nil, 10, 20, now.Add(-time.Hour))

	cost, in, out, err := meter.CostForToday(context.Background(), account)
	if err != nil {
		t.Fatalf("cost for today: %v", err)
	}
	want := 100*microInputCost + 200*microOutputCost +
		1010*liteInputCost + 2020*liteOutputCost
	if !almostEqual(cost, want) {
		t.Fatalf("expected cost %v, got %v", want, cost)
	}
	if in != 1110 || out != 2220 {
		t.Fatalf("expected tokens 1110/2220, got %d/%d", in, out)
	}
}

func TestIsOverLimitUnderCeiling(t *testing.T) {
	store := newTestStore(t)
	_, lite := seedModels(t, store)
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	account := seedAccount(t, store, "UTC", 1)
	seedChat(t, store, account.ID, &lite.ID, 1000, 2000, now.Add(-time.Hour))

	over, err := meter.IsOverLimit(context.Background(), account)
	if err != nil {
		t.Fatalf("is over limit: %v", err)
	}
	if over {
		t.Fatal("expected under limit")
	}
	hits, err := store.ListUsageLimitHits(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("list hits: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no limit hits, got %d", len(hits))
	}
}

func TestIsOverLimitRecordsHitEachCall(t *testing.T) {
	store := newTestStore(t)
	_, lite := seedModels(t, store)
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	// Free tier ceiling is $0.01/31 ≈ $0.00032; this spend is ~$0.01.
	account := seedAccount(t, store, "UTC", 0)
	seedChat(t, store, account.ID, &lite.ID, 10_000, 40_000, now.Add(-time.Hour))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		over, err := meter.IsOverLimit(ctx, account)
		if err != nil {
			t.Fatalf("is over limit: %v", err)
		}
		if !over {
			t.Fatal("expected over limit")
		}
	}

	hits, err := store.ListUsageLimitHits(ctx, account.ID)
	if err != nil {
		t.Fatalf("list hits: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected a hit per check, got %d", len(hits))
	}
	if hits[0].TotalInputTokens != 10_000 || hits[0].TotalOutputTokens != 40_000 {
		t.Fatalf("unexpected hit rollup %d/%d", hits[0].TotalInputTokens, hits[0].TotalOutputTokens)
	}
	if hits[0].SubscriptionLevel != 0 {
		t.Fatalf("unexpected hit level %d", hits[0].SubscriptionLevel)
	}
}

func TestIsOverLimitHigherTierAllowsMore(t *testing.T) {
	store := newTestStore(t)
	_, lite := seedModels(t, store)
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	meter := newTestMeter(store, now)

	// The same spend that busts the free tier fits inside tier 2's $5/31.
	account := seedAccount(t, store, "UTC", 2)
	seedChat(t, store, account.ID, &lite.ID, 10_000, 40_000, now.Add(-time.Hour))

	over, err := meter.IsOverLimit(context.Background(), account)
	if err != nil {
		t.Fatalf("is over limit: %v", err)
	}
	if over {
		t.Fatal("expected tier 2 to be under limit")
	}
}

func TestCostForTodayUnknownTimezone(t *testing.T) {
	store := newTestStore(t)
	seedModels(t, store)
	meter := newTestMeter(store, time.Now())

	account := seedAccount(t, store, "UTC", 0)
	account.Timezone = "Mars/Olympus_Mons"

	_, _, _, err := meter.CostForToday(context.Background(), account)
	if !errors.Is(err, ErrUnknownTimezone) {
		t.Fatalf("expected ErrUnknownTimezone, got %v", err)
	}
}

func TestCostForTodayNoModels(t *testing.T) {
	store := newTestStore(t)
	meter := newTestMeter(store, time.Now())

	account := seedAccount(t, store, "UTC", 0)
	cost, in, out, err := meter.CostForToday(context.Background(), account)
	if err != nil {
		t.Fatalf("cost for today: %v", err)
	}
	if cost != 0 || in != 0 || out != 0 {
		t.Fatalf("expected zero spend with no models, got %v (%d/%d)", cost, in, out)
	}
}
