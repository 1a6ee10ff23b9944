package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tpaulshippy/bots/internal/ai"
	"github.com/tpaulshippy/bots/internal/metrics"
	"github.com/tpaulshippy/bots/internal/storage"
	"github.com/tpaulshippy/bots/internal/usage"
)

// DefaultSystemPrompt is the system turn used for chats whose bot has no
// prompt of its own.
const DefaultSystemPrompt = "You are chatting with a teen. Please keep the conversation appropriate and respectful. Your responses should be 200 words or less."

// RateLimitedReply is returned verbatim to the client when the daily budget
// is exhausted.
const RateLimitedReply = "You have exceeded your daily limit. Please try again tomorrow or upgrade your subscription."

// contextWindow is how many of the newest messages are replayed to the model.
const contextWindow = 10

var (
	ErrNoDefaultModel = errors.New("no default ai model configured")
	ErrNoImageModel   = errors.New("no image-capable ai model configured")
)

// ImageFetcher loads a previously uploaded chat image by filename.
type ImageFetcher interface {
	Fetch(ctx context.Context, filename string) (data []byte, contentType string, err error)
}

// Notifier fans out push notifications for chat activity.
type Notifier interface {
	ChatCreated(ctx context.Context, userID int64, chat storage.Chat) error
	MessageCreated(ctx context.Context, userID int64, chat storage.Chat, preview string) error
}

// Result is the outcome of one chat turn. RateLimited means the budget check
// declined the turn and Text carries the fixed refusal; nothing was persisted.
type Result struct {
	Text         string
	Model        string
	RateLimited  bool
	InputTokens  int64
	OutputTokens int64
}

// Orchestrator runs a chat turn end to end: pick a model, check the budget,
// assemble context, invoke the provider and persist the reply.
type Orchestrator struct {
	store   *storage.Store
	meter   *usage.Meter
	invoker ai.Invoker
	images  ImageFetcher
	notify  Notifier
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Config struct {
	Store   *storage.Store
	Meter   *usage.Meter
	Invoker ai.Invoker
	Images  ImageFetcher
	Notify  Notifier
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:   cfg.Store,
		meter:   cfg.Meter,
		invoker: cfg.Invoker,
		images:  cfg.Images,
		notify:  cfg.Notify,
		logger:  cfg.Logger,
		metrics: m,
		now:     now,
	}
}

// Respond produces the assistant's reply for the chat's latest user message.
// The user message must already be persisted; on success the reply is stored
// as the next message and the chat's token rollup is bumped.
func (o *Orchestrator) Respond(ctx context.Context, account storage.UserAccount, chat storage.Chat) (Result, error) {
	var bot *storage.Bot
	if chat.BotID != nil {
		b, err := o.store.GetBot(ctx, *chat.BotID)
		if err != nil {
			return Result{}, fmt.Errorf("load bot: %w", err)
		}
		bot = &b
	}

	recent, err := o.store.RecentMessages(ctx, chat.ID, contextWindow)
	if err != nil {
		return Result{}, fmt.Errorf("load recent messages: %w", err)
	}
	// Newest-first from storage; replay oldest-first.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	model, err := o.selectModel(ctx, bot, recent)
	if err != nil {
		return Result{}, err
	}

	over, err := o.meter.IsOverLimit(ctx, account)
	if err != nil {
		return Result{}, fmt.Errorf("check usage limit: %w", err)
	}
	if over {
		o.metrics.RateLimited.Inc()
		o.logger.Info().
			Int64("user_account_id", account.ID).
			Str("chat_id", chat.ChatID).
			Msg("chat turn declined, daily limit reached")
		return Result{Text: RateLimitedReply, Model: model.ModelID, RateLimited: true}, nil
	}

	turns, err := o.buildContext(ctx, bot, recent)
	if err != nil {
		return Result{}, err
	}

	reply, err := o.invoker.Invoke(ctx, model.ModelID, turns)
	if err != nil {
		o.metrics.ProviderErrors.Inc()
		return Result{}, fmt.Errorf("invoke %s: %w", model.ModelID, err)
	}

	ord, err := o.store.CountMessages(ctx, chat.ID)
	if err != nil {
		return Result{}, fmt.Errorf("count messages: %w", err)
	}
	if _, err := o.store.CreateMessage(ctx, storage.Message{
		ChatID:       chat.ID,
		Role:         storage.RoleAssistant,
		Ord:          ord,
		Text:         reply.Text,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
	}); err != nil {
		return Result{}, fmt.Errorf("persist reply: %w", err)
	}
	if err := o.store.AddChatTokens(ctx, chat.ID, reply.InputTokens, reply.OutputTokens, o.now()); err != nil {
		return Result{}, fmt.Errorf("roll up chat tokens: %w", err)
	}

	if o.notify != nil {
		if err := o.notify.MessageCreated(ctx, account.ID, chat, reply.Text); err != nil {
			// Delivery is best effort; the turn already succeeded.
			o.logger.Warn().Err(err).Str("chat_id", chat.ChatID).Msg("notify message created")
		}
	}

	o.metrics.ChatTurns.Inc()
	o.metrics.InputTokens.Add(float64(reply.InputTokens))
	o.metrics.OutputTokens.Add(float64(reply.OutputTokens))
	o.logger.Info().
		Str("chat_id", chat.ChatID).
		Str("model", model.ModelID).
		Int64("input_tokens", reply.InputTokens).
		Int64("output_tokens", reply.OutputTokens).
		Msg("chat turn completed")

	return Result{
		Text:         reply.Text,
		Model:        model.ModelID,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
	}, nil
}

// selectModel resolves the model for this turn: the bot's own model, else the
// bot's app default, else the default app's default. When the context carries
// an image and the pick cannot accept one, the cheapest image-capable model in
// the app catalog takes over.
func (o *Orchestrator) selectModel(ctx context.Context, bot *storage.Bot, recent []storage.Message) (storage.AiModel, error) {
	appID, err := o.resolveAppID(ctx, bot)
	if err != nil {
		return storage.AiModel{}, err
	}

	var model storage.AiModel
	if bot != nil && bot.AiModelID != nil {
		model, err = o.store.GetAiModel(ctx, *bot.AiModelID)
		if err != nil {
			return storage.AiModel{}, fmt.Errorf("load bot model: %w", err)
		}
	} else {
		model, err = o.store.DefaultAppModel(ctx, appID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.AiModel{}, ErrNoDefaultModel
		}
		if err != nil {
			return storage.AiModel{}, fmt.Errorf("load app default model: %w", err)
		}
	}

	if !hasImage(recent) || model.SupportsModality(storage.ModalityImage) {
		return model, nil
	}

	candidates, err := o.store.AppModelsByInputCost(ctx, appID)
	if err != nil {
		return storage.AiModel{}, fmt.Errorf("list app models: %w", err)
	}
	for _, c := range candidates {
		if c.SupportsModality(storage.ModalityImage) {
			o.logger.Debug().
				Str("from", model.ModelID).
				Str("to", c.ModelID).
				Msg("reselected image-capable model")
			return c, nil
		}
	}
	return storage.AiModel{}, ErrNoImageModel
}

func (o *Orchestrator) resolveAppID(ctx context.Context, bot *storage.Bot) (int64, error) {
	if bot != nil {
		return bot.AppID, nil
	}
	app, err := o.store.GetDefaultApp(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrNoDefaultModel
	}
	if err != nil {
		return 0, fmt.Errorf("load default app: %w", err)
	}
	return app.ID, nil
}

// buildContext turns stored messages into provider turns. The system turn
// leads; assistant turns are kept only once a human turn precedes them, so a
// context that happens to start mid-exchange never opens with the AI talking
// to itself.
func (o *Orchestrator) buildContext(ctx context.Context, bot *storage.Bot, recent []storage.Message) ([]ai.Message, error) {
	prompt := DefaultSystemPrompt
	if bot != nil && bot.SystemPrompt != "" {
		prompt = bot.SystemPrompt
	}

	turns := make([]ai.Message, 0, len(recent)+1)
	turns = append(turns, ai.Message{Role: ai.RoleSystem, Text: prompt})

	sawHuman := false
	for _, m := range recent {
		switch m.Role {
		case storage.RoleUser:
			turn := ai.Message{Role: ai.RoleUser, Text: m.Text}
			if m.ImageFilename != nil {
				dataURL, err := o.inlineImage(ctx, *m.ImageFilename)
				if err != nil {
					return nil, fmt.Errorf("inline image %s: %w", *m.ImageFilename, err)
				}
				turn.ImageDataURL = dataURL
			}
			turns = append(turns, turn)
			sawHuman = true
		case storage.RoleAssistant:
			if !sawHuman {
				continue
			}
			turns = append(turns, ai.Message{Role: ai.RoleAssistant, Text: m.Text})
		}
	}
	return turns, nil
}

func (o *Orchestrator) inlineImage(ctx context.Context, filename string) (string, error) {
	if o.images == nil {
		return "", errors.New("no image fetcher configured")
	}
	data, contentType, err := o.images.Fetch(ctx, filename)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)), nil
}

func hasImage(messages []storage.Message) bool {
	for _, m := range messages {
		if m.Role == storage.RoleUser && m.ImageFilename != nil {
			return true
		}
	}
	return false
}
