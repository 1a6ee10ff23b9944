package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tpaulshippy/bots/internal/storage"
)

type accountResponse struct {
	AccountID         string  `json:"account_id"`
	Email             string  `json:"email"`
	SubscriptionLevel int     `json:"subscription_level"`
	Timezone          string  `json:"timezone"`
	HasPIN            bool    `json:"has_pin"`
	CostToday         float64 `json:"cost_today,omitempty"`
}

func toAccountResponse(a storage.UserAccount) accountResponse {
	return accountResponse{
		AccountID:         a.AccountID,
		Email:             a.Email,
		SubscriptionLevel: a.SubscriptionLevel,
		Timezone:          a.Timezone,
		HasPIN:            a.PIN != nil,
	}
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	resp := toAccountResponse(account)
	if s.meter != nil {
		cost, _, _, err := s.meter.CostForToday(r.Context(), account)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.CostToday = cost
	}
	writeJSON(w, http.StatusOK, resp)
}

// patchAccountRequest deliberately has no subscription field; the tier is
// written only by the billing webhook.
type patchAccountRequest struct {
	Timezone *string `json:"timezone"`
	PIN      *int64  `json:"pin"`
	ClearPIN bool    `json:"clear_pin"`
}

func (s *Server) handlePatchAccount(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	var req patchAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	timezone := account.Timezone
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown timezone"})
			return
		}
		timezone = *req.Timezone
	}
	pin := account.PIN
	if req.PIN != nil {
		pin = req.PIN
	}
	if req.ClearPIN {
		pin = nil
	}

	if err := s.store.UpdateUserAccount(r.Context(), account.ID, account.SubscriptionLevel, timezone, pin); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.store.GetUserAccount(r.Context(), account.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(updated))
}

type profileResponse struct {
	ProfileID string    `json:"profile_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	profiles, err := s.store.ListProfiles(r.Context(), account.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, profileResponse{ProfileID: p.ProfileID, Name: p.Name, CreatedAt: p.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	p, err := s.store.CreateProfile(r.Context(), account.ID, strings.TrimSpace(req.Name))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profileResponse{ProfileID: p.ProfileID, Name: p.Name, CreatedAt: p.CreatedAt})
}

type botRequest struct {
	Name                string  `json:"name"`
	SystemPrompt        *string `json:"system_prompt"`
	ModelID             *string `json:"model_id"`
	ResponseLength      *int    `json:"response_length"`
	RestrictLanguage    *bool   `json:"restrict_language"`
	RestrictAdultTopics *bool   `json:"restrict_adult_topics"`
}

type botResponse struct {
	BotID               string    `json:"bot_id"`
	Name                string    `json:"name"`
	SystemPrompt        string    `json:"system_prompt"`
	ModelID             string    `json:"model_id,omitempty"`
	ResponseLength      int       `json:"response_length"`
	RestrictLanguage    bool      `json:"restrict_language"`
	RestrictAdultTopics bool      `json:"restrict_adult_topics"`
	CreatedAt           time.Time `json:"created_at"`
}

func (s *Server) toBotResponse(r *http.Request, b storage.Bot) botResponse {
	resp := botResponse{
		BotID:               b.BotID,
		Name:                b.Name,
		SystemPrompt:        b.SystemPrompt,
		ResponseLength:      b.ResponseLength,
		RestrictLanguage:    b.RestrictLanguage,
		RestrictAdultTopics: b.RestrictAdultTopics,
		CreatedAt:           b.CreatedAt,
	}
	if b.AiModelID != nil {
		if m, err := s.store.GetAiModel(r.Context(), *b.AiModelID); err == nil {
			resp.ModelID = m.ModelID
		}
	}
	return resp
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	bots, err := s.store.ListBots(r.Context(), account.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]botResponse, 0, len(bots))
	for _, b := range bots {
		out = append(out, s.toBotResponse(r, b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": out})
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	var req botRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	app, err := s.store.GetDefaultApp(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	b := storage.Bot{
		UserID:              &account.ID,
		AppID:               app.ID,
		Name:                strings.TrimSpace(req.Name),
		RestrictLanguage:    true,
		RestrictAdultTopics: true,
	}
	if req.SystemPrompt != nil {
		b.SystemPrompt = *req.SystemPrompt
	}
	if req.ResponseLength != nil {
		b.ResponseLength = *req.ResponseLength
	}
	if req.RestrictLanguage != nil {
		b.RestrictLanguage = *req.RestrictLanguage
	}
	if req.RestrictAdultTopics != nil {
		b.RestrictAdultTopics = *req.RestrictAdultTopics
	}
	if req.ModelID != nil && *req.ModelID != "" {
		m, err := s.store.GetAiModelByModelID(r.Context(), *req.ModelID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		b.AiModelID = &m.ID
	}

	created, err := s.store.CreateBot(r.Context(), b)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toBotResponse(r, created))
}

func (s *Server) loadOwnBot(w http.ResponseWriter, r *http.Request) (storage.Bot, bool) {
	account := accountFrom(r.Context())
	b, err := s.store.GetBotByPublicID(r.Context(), chi.URLParam(r, "botID"))
	if err == nil && ((b.UserID != nil && *b.UserID != account.ID) || b.DeletedAt != nil) {
		err = storage.ErrNotFound
	}
	if err != nil {
		s.writeError(w, err)
		return storage.Bot{}, false
	}
	return b, true
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnBot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.toBotResponse(r, b))
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadOwnBot(w, r)
	if !ok {
		return
	}

	var req botRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if strings.TrimSpace(req.Name) != "" {
		b.Name = strings.TrimSpace(req.Name)
	}
	if req.SystemPrompt != nil {
		b.SystemPrompt = *req.SystemPrompt
	}
	if req.ResponseLength != nil {
		b.ResponseLength = *req.ResponseLength
	}
	if req.RestrictLanguage != nil {
		b.RestrictLanguage = *req.RestrictLanguage
	}
	if req.RestrictAdultTopics != nil {
		b.RestrictAdultTopics = *req.RestrictAdultTopics
	}
	if req.ModelID != nil {
		if *req.ModelID == "" {
			b.AiModelID = nil
		} else {
			m, err := s.store.GetAiModelByModelID(r.Context(), *req.ModelID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			b.AiModelID = &m.ID
		}
	}

	if err := s.store.UpdateBot(r.Context(), b); err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.store.GetBot(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toBotResponse(r, updated))
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	if err := s.store.SoftDeleteBot(r.Context(), account.ID, chi.URLParam(r, "botID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deviceRequest struct {
	Token              string `json:"token"`
	NotifyOnNewChat    *bool  `json:"notify_on_new_chat"`
	NotifyOnNewMessage *bool  `json:"notify_on_new_message"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	enc, err := s.crypto.MarshalEncryptedString(strings.TrimSpace(req.Token))
	if err != nil {
		s.writeError(w, err)
		return
	}
	notifyChat, notifyMessage := true, true
	if req.NotifyOnNewChat != nil {
		notifyChat = *req.NotifyOnNewChat
	}
	if req.NotifyOnNewMessage != nil {
		notifyMessage = *req.NotifyOnNewMessage
	}

	d, err := s.store.CreateDevice(r.Context(), account.ID, enc, notifyChat, notifyMessage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id":             d.DeviceID,
		"notify_on_new_chat":    d.NotifyOnNewChat,
		"notify_on_new_message": d.NotifyOnNewMessage,
	})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	if err := s.store.SoftDeleteDevice(r.Context(), account.ID, chi.URLParam(r, "deviceID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
