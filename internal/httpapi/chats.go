package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tpaulshippy/bots/internal/chat"
	"github.com/tpaulshippy/bots/internal/storage"
)

const maxImageBytes = 20 << 20

var allowedImageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

type respondRequest struct {
	Text      string `json:"text"`
	BotID     string `json:"bot_id"`
	ProfileID string `json:"profile_id"`
	Title     string `json:"title"`
}

type uploadedImage struct {
	ext         string
	contentType string
	data        []byte
}

type respondResponse struct {
	ChatID       string `json:"chat_id"`
	Reply        string `json:"reply"`
	Model        string `json:"model,omitempty"`
	RateLimited  bool   `json:"rate_limited"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Transcript   string `json:"transcript,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	req, image, ok := s.parseRespondRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	s.runTurn(w, r, req, image, "")
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.transcriber == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "voice is not configured"})
		return
	}
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "audio file is required"})
		return
	}
	defer file.Close()

	text, err := s.transcriber.Transcribe(r.Context(), header.Filename, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "could not understand audio"})
		return
	}

	req := respondRequest{
		Text:      text,
		BotID:     r.FormValue("bot_id"),
		ProfileID: r.FormValue("profile_id"),
		Title:     r.FormValue("title"),
	}
	s.runTurn(w, r, req, nil, text)
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, req respondRequest, image *uploadedImage, transcript string) {
	ctx := r.Context()
	account := accountFrom(ctx)

	var (
		c   storage.Chat
		err error
	)
	chatRef := chi.URLParam(r, "chatID")
	if chatRef == "new" {
		c, err = s.createChat(r, account, req)
	} else {
		c, err = s.store.GetChatByPublicID(ctx, chatRef)
		if err == nil && c.UserID != account.ID {
			err = storage.ErrNotFound
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	var imageFilename *string
	if image != nil {
		if s.images == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "image uploads are not configured"})
			return
		}
		key, err := s.images.Put(ctx, image.ext, image.contentType, image.data)
		if err != nil {
			s.writeError(w, err)
			return
		}
		imageFilename = &key
	}

	ord, err := s.store.CountMessages(ctx, c.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.CreateMessage(ctx, storage.Message{
		ChatID:        c.ID,
		Role:          storage.RoleUser,
		Ord:           ord,
		Text:          req.Text,
		ImageFilename: imageFilename,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.responder.Respond(ctx, account, c)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.RateLimited {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, respondResponse{
		ChatID:       c.ChatID,
		Reply:        res.Text,
		Model:        res.Model,
		RateLimited:  res.RateLimited,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Transcript:   transcript,
	})
}

// createChat opens a new chat seeded with its system message at ordinal 0.
func (s *Server) createChat(r *http.Request, account storage.UserAccount, req respondRequest) (storage.Chat, error) {
	ctx := r.Context()

	var botID *int64
	prompt := chat.DefaultSystemPrompt
	if req.BotID != "" {
		bot, err := s.store.GetBotByPublicID(ctx, req.BotID)
		if err != nil {
			return storage.Chat{}, err
		}
		if bot.UserID != nil && *bot.UserID != account.ID {
			return storage.Chat{}, storage.ErrNotFound
		}
		botID = &bot.ID
		if bot.SystemPrompt != "" {
			prompt = bot.SystemPrompt
		}
	}

	var profileID *int64
	if req.ProfileID != "" {
		profile, err := s.store.GetProfileByPublicID(ctx, req.ProfileID)
		if err != nil {
			return storage.Chat{}, err
		}
		if profile.UserID != account.ID {
			return storage.Chat{}, storage.ErrNotFound
		}
		profileID = &profile.ID
	}

	title := req.Title
	if title == "" {
		title = req.Text
	}
	c, err := s.store.CreateChat(ctx, storage.Chat{
		UserID:    account.ID,
		ProfileID: profileID,
		BotID:     botID,
		Title:     title,
	})
	if err != nil {
		return storage.Chat{}, err
	}

	if _, err := s.store.CreateMessage(ctx, storage.Message{
		ChatID: c.ID,
		Role:   storage.RoleSystem,
		Ord:    0,
		Text:   prompt,
	}); err != nil {
		return storage.Chat{}, err
	}

	if s.notify != nil {
		if err := s.notify.ChatCreated(ctx, account.ID, c); err != nil {
			s.logger.Warn().Err(err).Str("chat_id", c.ChatID).Msg("notify chat created")
		}
	}
	return c, nil
}

func (s *Server) parseRespondRequest(w http.ResponseWriter, r *http.Request) (respondRequest, *uploadedImage, bool) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var req respondRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return respondRequest{}, nil, false
		}
		return req, nil, true
	}

	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return respondRequest{}, nil, false
	}
	req := respondRequest{
		Text:      r.FormValue("text"),
		BotID:     r.FormValue("bot_id"),
		ProfileID: r.FormValue("profile_id"),
		Title:     r.FormValue("title"),
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, true
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid image upload"})
		return respondRequest{}, nil, false
	}
	defer file.Close()

	ext := strings.ToLower(path.Ext(header.Filename))
	imageType, ok := allowedImageExts[ext]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported image type"})
		return respondRequest{}, nil, false
	}
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read image"})
		return respondRequest{}, nil, false
	}
	if len(data) > maxImageBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "image exceeds 20MB"})
		return respondRequest{}, nil, false
	}
	return req, &uploadedImage{ext: ext, contentType: imageType, data: data}, true
}

type chatResponse struct {
	ChatID       string    `json:"chat_id"`
	Title        string    `json:"title"`
	BotID        string    `json:"bot_id,omitempty"`
	ProfileID    string    `json:"profile_id,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	ModifiedAt   time.Time `json:"modified_at"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := accountFrom(ctx)

	var profileID *int64
	if ref := r.URL.Query().Get("profile_id"); ref != "" {
		profile, err := s.store.GetProfileByPublicID(ctx, ref)
		if err != nil || profile.UserID != account.ID {
			s.writeError(w, storage.ErrNotFound)
			return
		}
		profileID = &profile.ID
	}

	chats, err := s.store.ListChats(ctx, account.ID, profileID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, s.toChatResponse(r, c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (s *Server) toChatResponse(r *http.Request, c storage.Chat) chatResponse {
	resp := chatResponse{
		ChatID:       c.ChatID,
		Title:        c.Title,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		CreatedAt:    c.CreatedAt,
		ModifiedAt:   c.ModifiedAt,
	}
	if c.BotID != nil {
		if bot, err := s.store.GetBot(r.Context(), *c.BotID); err == nil {
			resp.BotID = bot.BotID
		}
	}
	if c.ProfileID != nil {
		if profile, err := s.store.GetProfile(r.Context(), *c.ProfileID); err == nil {
			resp.ProfileID = profile.ProfileID
		}
	}
	return resp
}

type messageResponse struct {
	MessageID     string    `json:"message_id"`
	Role          string    `json:"role"`
	Ord           int       `json:"ord"`
	Text          string    `json:"text"`
	ImageFilename string    `json:"image_filename,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := accountFrom(ctx)

	c, err := s.store.GetChatByPublicID(ctx, chi.URLParam(r, "chatID"))
	if err == nil && c.UserID != account.ID {
		err = storage.ErrNotFound
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	messages, err := s.store.ListMessages(ctx, c.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		mr := messageResponse{
			MessageID: m.MessageID,
			Role:      m.Role,
			Ord:       m.Ord,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		}
		if m.ImageFilename != nil {
			mr.ImageFilename = *m.ImageFilename
		}
		out = append(out, mr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}
