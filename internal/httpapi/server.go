package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tpaulshippy/bots/internal/ai"
	"github.com/tpaulshippy/bots/internal/chat"
	"github.com/tpaulshippy/bots/internal/crypto"
	"github.com/tpaulshippy/bots/internal/queue"
	"github.com/tpaulshippy/bots/internal/storage"
	"github.com/tpaulshippy/bots/internal/usage"
	"github.com/tpaulshippy/bots/internal/voice"
)

// Responder runs one chat turn. Satisfied by chat.Orchestrator.
type Responder interface {
	Respond(ctx context.Context, account storage.UserAccount, c storage.Chat) (chat.Result, error)
}

// ImageStore uploads chat image attachments.
type ImageStore interface {
	Put(ctx context.Context, ext, contentType string, data []byte) (string, error)
}

type Server struct {
	store       *storage.Store
	responder   Responder
	meter       *usage.Meter
	images      ImageStore
	transcriber voice.Transcriber
	notify      chat.Notifier
	crypto      *crypto.Manager
	limiter     *queue.RateLimiter
	billingAuth string
	jwtSecret   []byte
	tokenTTL    time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

type Config struct {
	Store       *storage.Store
	Responder   Responder
	Meter       *usage.Meter
	Images      ImageStore
	Transcriber voice.Transcriber
	Notify      chat.Notifier
	Crypto      *crypto.Manager
	Limiter     *queue.RateLimiter
	BillingAuth string
	JWTSecret   string
	TokenTTL    time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

func NewServer(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Server{
		store:       cfg.Store,
		responder:   cfg.Responder,
		meter:       cfg.Meter,
		images:      cfg.Images,
		transcriber: cfg.Transcriber,
		notify:      cfg.Notify,
		crypto:      cfg.Crypto,
		limiter:     cfg.Limiter,
		billingAuth: cfg.BillingAuth,
		jwtSecret:   []byte(cfg.JWTSecret),
		tokenTTL:    ttl,
		logger:      cfg.Logger,
		now:         now,
	}
}

func (s *Server) Router(healthPath, metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, metricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/token", s.handleIssueToken)
		r.Post("/webhooks/revenuecat", s.handleBillingWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/account", s.handleGetAccount)
			r.Patch("/account", s.handlePatchAccount)

			r.Get("/profiles", s.handleListProfiles)
			r.Post("/profiles", s.handleCreateProfile)

			r.Get("/bots", s.handleListBots)
			r.Post("/bots", s.handleCreateBot)
			r.Get("/bots/{botID}", s.handleGetBot)
			r.Patch("/bots/{botID}", s.handleUpdateBot)
			r.Delete("/bots/{botID}", s.handleDeleteBot)

			r.Post("/devices", s.handleCreateDevice)
			r.Delete("/devices/{deviceID}", s.handleDeleteDevice)

			r.Get("/chats", s.handleListChats)
			r.Get("/chats/{chatID}/messages", s.handleListMessages)

			r.Group(func(r chi.Router) {
				r.Use(s.throttleMiddleware)
				r.Post("/chats/{chatID}/respond", s.handleRespond)
				r.Post("/chats/{chatID}/voice", s.handleVoice)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, chat.ErrNoDefaultModel),
		errors.Is(err, chat.ErrNoImageModel),
		errors.Is(err, usage.ErrUnknownTimezone):
		s.logger.Error().Err(err).Msg("configuration error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "configuration error"})
	case errors.Is(err, ai.ErrProvider):
		s.logger.Error().Err(err).Msg("provider error")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "ai provider error"})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
