package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tpaulshippy/bots/internal/ai"
	"github.com/tpaulshippy/bots/internal/storage"
	"github.com/tpaulshippy/bots/internal/usage"
)

type fakeInvoker struct {
	reply    ai.Reply
	err      error
	calls    int
	gotModel string
	gotTurns []ai.Message
}

func (f *fakeInvoker) Invoke(_ context.Context, model string, messages []ai.Message) (ai.Reply, error) {
	f.calls++
	f.gotModel = model
	f.gotTurns = messages
	if f.err != nil {
		return ai.Reply{}, f.err
	}
	return f.reply, nil
}

type fakeImages struct {
	data        []byte
	contentType string
	err         error
}

func (f *fakeImages) Fetch(_ context.Context, _ string) ([]byte, string, error) {
	return f.data, f.contentType, f.err
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) ChatCreated(_ context.Context, _ int64, _ storage.Chat) error { return nil }

func (f *fakeNotifier) MessageCreated(_ context.Context, _ int64, _ storage.Chat, preview string) error {
	f.messages = append(f.messages, preview)
	return nil
}

type fixture struct {
	store   *storage.Store
	account storage.UserAccount
	app     storage.App
	lite    storage.AiModel
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	dsn := filepath.Join(t.TempDir(), "chat.db")
	store, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	account, err := store.CreateUserAccount(ctx, "teen@example.com", "UTC")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	app, err := store.CreateApp(ctx, "Bots", true)
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	lite, err := store.CreateAiModel(ctx, storage.AiModel{
		ModelID:         "nova-lite",
		Name:            "Nova Lite",
		InputTokenCost:  0.00000006,
		OutputTokenCost: 0.00000024,
		IsDefault:       true,
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if err := store.AttachAppModel(ctx, app.ID, lite.ID, true); err != nil {
		t.Fatalf("attach app model: %v", err)
	}

	return &fixture{
		store:   store,
		account: account,
		app:     app,
		lite:    lite,
		now:     time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) orchestrator(invoker ai.Invoker, images ImageFetcher, notify Notifier) *Orchestrator {
	meter := usage.NewMeter(usage.Config{
		Store:  f.store,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return f.now },
	})
	return NewOrchestrator(Config{
		Store:   f.store,
		Meter:   meter,
		Invoker: invoker,
		Images:  images,
		Notify:  notify,
		Logger:  zerolog.Nop(),
		Now:     func() time.Time { return f.now },
	})
}

func (f *fixture) newChat(t *testing.T, botID *int64) storage.Chat {
	t.Helper()
	chat, err := f.store.CreateChat(context.Background(), storage.Chat{
		UserID: f.account.ID,
		BotID:  botID,
		Title:  "hi",
	})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return chat
}

func (f *fixture) addMessage(t *testing.T, chatID int64, role, text string, imageFilename *string) storage.Message {
	t.Helper()
	ord, err := f.store.CountMessages(context.Background(), chatID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	m, err := f.store.CreateMessage(context.Background(), storage.Message{
		ChatID:        chatID,
		Role:          role,
		Ord:           ord,
		Text:          text,
		ImageFilename: imageFilename,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return m
}

func TestRespondPersistsReplyAndRollsUpTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat := f.newChat(t, nil)
	f.addMessage(t, chat.ID, storage.RoleUser, "Hello", nil)

	invoker := &fakeInvoker{reply: ai.Reply{
		Text:         "Hello! How can I assist you today?",
		InputTokens:  1,
		OutputTokens: 2,
	}}
	notify := &fakeNotifier{}
	o := f.orchestrator(invoker, nil, notify)

	res, err := o.Respond(ctx, f.account, chat)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.RateLimited {
		t.Fatal("unexpected rate limit")
	}
	if res.Text != "Hello! How can I assist you today?" {
		t.Fatalf("unexpected reply %q", res.Text)
	}
	if res.Model != "nova-lite" {
		t.Fatalf("unexpected model %q", res.Model)
	}

	msgs, err := f.store.ListMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	reply := msgs[1]
	if reply.Role != storage.RoleAssistant || reply.Ord != 1 {
		t.Fatalf("unexpected reply message %+v", reply)
	}
	if reply.InputTokens != 1 || reply.OutputTokens != 2 {
		t.Fatalf("unexpected reply usage %d/%d", reply.InputTokens, reply.OutputTokens)
	}

	got, err := f.store.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.InputTokens != 1 || got.OutputTokens != 2 {
		t.Fatalf("unexpected chat rollup %d/%d", got.InputTokens, got.OutputTokens)
	}
	if len(notify.messages) != 1 || notify.messages[0] != res.Text {
		t.Fatalf("expected one message notification, got %#v", notify.messages)
	}
}

func TestRespondSendsDefaultSystemPrompt(t *testing.T) {
	f := newFixture(t)

	chat := f.newChat(t, nil)
	f.addMessage(t, chat.ID, storage.RoleUser, "Hello", nil)

	invoker := &fakeInvoker{reply: ai.Reply{Text: "hi"}}
	o := f.orchestrator(invoker, nil, nil)
	if _, err := o.Respond(context.Background(), f.account, chat); err != nil {
		t.Fatalf("respond: %v", err)
	}

	if len(invoker.gotTurns) != 2 {
		t.Fatalf("expected system+user turns, got %d", len(invoker.gotTurns))
	}
	if invoker.gotTurns[0].Role != ai.RoleSystem || invoker.gotTurns[0].Text != DefaultSystemPrompt {
		t.Fatalf("unexpected system turn %+v", invoker.gotTurns[0])
	}
}

func TestRespondUsesBotPromptAndModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	micro, err := f.store.CreateAiModel(ctx, storage.AiModel{
		ModelID:         "nova-micro",
		Name:            "Nova Micro",
		InputTokenCost:  0.000000035,
		OutputTokenCost: 0.00000014,
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	bot, err := f.store.CreateBot(ctx, storage.Bot{
		UserID:       &f.account.ID,
		AppID:        f.app.ID,
		AiModelID:    &micro.ID,
		Name:         "Tutor",
		SystemPrompt: "You are a patient math tutor.",
	})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	chat := f.newChat(t, &bot.ID)
	f.addMessage(t, chat.ID, storage.RoleUser, "What is 2+2?", nil)

	invoker := &fakeInvoker{reply: ai.Reply{Text: "4"}}
	o := f.orchestrator(invoker, nil, nil)
	res, err := o.Respond(ctx, f.account, chat)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Model != "nova-micro" || invoker.gotModel != "nova-micro" {
		t.Fatalf("expected bot model, got %q", invoker.gotModel)
	}
	if invoker.gotTurns[0].Text != "You are a patient math tutor." {
		t.Fatalf("unexpected system turn %q", invoker.gotTurns[0].Text)
	}
}

func TestRespondRateLimitedWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Burn the free tier: ~$0.01 of nova-lite usage earlier today.
	spent := f.newChat(t, nil)
	if err := f.store.AddChatTokens(ctx, spent.ID, 10_000, 40_000, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("add chat tokens: %v", err)
	}

	chat := f.newChat(t, nil)
	f.addMessage(t, chat.ID, storage.RoleUser, "Hello", nil)

	invoker := &fakeInvoker{reply: ai.Reply{Text: "should not be called"}}
	o := f.orchestrator(invoker, nil, nil)
	res, err := o.Respond(ctx, f.account, chat)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !res.RateLimited {
		t.Fatal("expected rate limited result")
	}
	if res.Text != RateLimitedReply {
		t.Fatalf("unexpected refusal text %q", res.Text)
	}
	if invoker.calls != 0 {
		t.Fatalf("provider should not be invoked, got %d calls", invoker.calls)
	}

	msgs, err := f.store.ListMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected only the user message, got %d", len(msgs))
	}
	hits, err := f.store.ListUsageLimitHits(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("list hits: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected one limit hit, got %d", len(hits))
	}
}

func TestRespondDropsLeadingAssistantTurn(t *testing.T) {
	f := newFixture(t)

	chat := f.newChat(t, nil)
	f.addMessage(t, chat.ID, storage.RoleAssistant, "orphaned greeting", nil)
	f.addMessage(t, chat.ID, storage.RoleUser, "Hello", nil)
	f.addMessage(t, chat.ID, storage.RoleAssistant, "Hi there!", nil)
	f.addMessage(t, chat.ID, storage.RoleUser, "How are you?", nil)

	invoker := &fakeInvoker{reply: ai.Reply{Text: "fine"}}
	o := f.orchestrator(invoker, nil, nil)
	if _, err := o.Respond(context.Background(), f.account, chat); err != nil {
		t.Fatalf("respond: %v", err)
	}

	// system, user, assistant, user: the leading assistant message is gone.
	if len(invoker.gotTurns) != 4 {
		t.Fatalf("expected 4 turns, got %d: %+v", len(invoker.gotTurns), invoker.gotTurns)
	}
	if invoker.gotTurns[1].Role != ai.RoleUser || invoker.gotTurns[1].Text != "Hello" {
		t.Fatalf("unexpected first conversational turn %+v", invoker.gotTurns[1])
	}
	for _, turn := range invoker.gotTurns {
		if turn.Text == "orphaned greeting" {
			t.Fatal("leading assistant turn should be dropped")
		}
	}
}

func TestRespondReselectsImageCapableModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vision, err := f.store.CreateAiModel(ctx, storage.AiModel{
		ModelID:         "nova-pro",
		Name:            "Nova Pro",
		InputTokenCost:  0.0000008,
		OutputTokenCost: 0.0000032,
		ModalitiesJSON:  `["text","image"]`,
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if err := f.store.AttachAppModel(ctx, f.app.ID, vision.ID, false); err != nil {
		t.Fatalf("attach app model: %v", err)
	}

	chat := f.newChat(t, nil)
	filename := "uploads/cat.jpg"
	f.addMessage(t, chat.ID, storage.RoleUser, "what is this?", &filename)

	invoker := &fakeInvoker{reply: ai.Reply{Text: "a cat"}}
	images := &fakeImages{data: []byte("jpegbytes"), contentType: "image/jpeg"}
	o := f.orchestrator(invoker, images, nil)

	res, err := o.Respond(ctx, f.account, chat)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Model != "nova-pro" || invoker.gotModel != "nova-pro" {
		t.Fatalf("expected image-capable model, got %q", invoker.gotModel)
	}
	userTurn := invoker.gotTurns[1]
	if !strings.HasPrefix(userTurn.ImageDataURL, "data:image/jpeg;base64,") {
		t.Fatalf("expected inlined image data URL, got %q", userTurn.ImageDataURL)
	}
}

func TestRespondImageFetchFailureAbortsTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vision, err := f.store.CreateAiModel(ctx, storage.AiModel{
		ModelID:         "nova-pro",
		Name:            "Nova Pro",
		InputTokenCost:  0.0000008,
		OutputTokenCost: 0.0000032,
		ModalitiesJSON:  `["text","image"]`,
	})
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	if err := f.store.AttachAppModel(ctx, f.app.ID, vision.ID, false); err != nil {
		t.Fatalf("attach app model: %v", err)
	}

	chat := f.newChat(t, nil)
	filename := "uploads/gone.jpg"
	f.addMessage(t, chat.ID, storage.RoleUser, "what is this?", &filename)

	fetchErr := errors.New("object not found")
	invoker := &fakeInvoker{reply: ai.Reply{Text: "should not be called"}}
	o := f.orchestrator(invoker, &fakeImages{err: fetchErr}, nil)

	_, err = o.Respond(ctx, f.account, chat)
	if !errors.Is(err, fetchErr) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	if !strings.Contains(err.Error(), "inline image uploads/gone.jpg") {
		t.Fatalf("error should name the failing image, got %q", err.Error())
	}
	if invoker.calls != 0 {
		t.Fatalf("provider should not be invoked, got %d calls", invoker.calls)
	}

	msgs, err := f.store.ListMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected no reply persisted, got %d messages", len(msgs))
	}
}

func TestRespondNoImageCapableModel(t *testing.T) {
	f := newFixture(t)

	chat := f.newChat(t, nil)
	filename := "uploads/cat.jpg"
	f.addMessage(t, chat.ID, storage.RoleUser, "what is this?", &filename)

	o := f.orchestrator(&fakeInvoker{}, &fakeImages{data: []byte("x")}, nil)
	_, err := o.Respond(context.Background(), f.account, chat)
	if !errors.Is(err, ErrNoImageModel) {
		t.Fatalf("expected ErrNoImageModel, got %v", err)
	}
}

func TestRespondNoDefaultModel(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "chat.db")
	store, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	account, err := store.CreateUserAccount(ctx, "teen@example.com", "UTC")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := store.CreateApp(ctx, "Bots", true); err != nil {
		t.Fatalf("create app: %v", err)
	}
	chat, err := store.CreateChat(ctx, storage.Chat{UserID: account.ID})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	meter := usage.NewMeter(usage.Config{Store: store, Logger: zerolog.Nop()})
	o := NewOrchestrator(Config{Store: store, Meter: meter, Invoker: &fakeInvoker{}, Logger: zerolog.Nop()})

	_, err = o.Respond(ctx, account, chat)
	if !errors.Is(err, ErrNoDefaultModel) {
		t.Fatalf("expected ErrNoDefaultModel, got %v", err)
	}
}

func TestRespondProviderErrorPropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat := f.newChat(t, nil)
	f.addMessage(t, chat.ID, storage.RoleUser, "Hello", nil)

	invoker := &fakeInvoker{err: ai.ErrProvider}
	o := f.orchestrator(invoker, nil, nil)
	_, err := o.Respond(ctx, f.account, chat)
	if !errors.Is(err, ai.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}

	msgs, err := f.store.ListMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected no reply persisted, got %d messages", len(msgs))
	}
}

func TestRespondTokenRollupAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chat := f.newChat(t, nil)
	o := f.orchestrator(&fakeInvoker{reply: ai.Reply{Text: "a", InputTokens: 3, OutputTokens: 5}}, nil, nil)

	f.addMessage(t, chat.ID, storage.RoleUser, "first", nil)
	if _, err := o.Respond(ctx, f.account, chat); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	f.addMessage(t, chat.ID, storage.RoleUser, "second", nil)
	if _, err := o.Respond(ctx, f.account, chat); err != nil {
		t.Fatalf("second respond: %v", err)
	}

	got, err := f.store.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.InputTokens != 6 || got.OutputTokens != 10 {
		t.Fatalf("expected rollup 6/10, got %d/%d", got.InputTokens, got.OutputTokens)
	}
}
