package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tpaulshippy/bots/internal/storage"
)

const maxBillingEventBytes = 1 << 20

// billingEventTypes lists the RevenueCat event types acted on. Anything else
// is rejected after the raw event is stored.
var billingEventTypes = map[string]struct{}{
	"INITIAL_PURCHASE": {},
	"PRODUCT_CHANGE":   {},
	"RENEWAL":          {},
	"CANCELLATION":     {},
	"EXPIRATION":       {},
	"TEST":             {},
}

type billingEvent struct {
	Type           string   `json:"type"`
	AppUserID      string   `json:"app_user_id"`
	EntitlementIDs []string `json:"entitlement_ids"`
}

// handleBillingWebhook applies subscription changes pushed by RevenueCat.
// This is the only write path for a user's tier; the raw event is persisted
// before parsing so malformed payloads still leave an audit trail.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.billingAuth == "" || r.Header.Get("Authorization") != s.billingAuth {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBillingEventBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if err := s.store.InsertBillingEvent(r.Context(), raw); err != nil {
		s.writeError(w, err)
		return
	}

	var payload struct {
		Event *billingEvent `json:"event"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Event == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event payload"})
		return
	}
	event := payload.Event
	if _, ok := billingEventTypes[event.Type]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":      "unsupported event type",
			"event_type": event.Type,
		})
		return
	}

	account, err := s.store.GetUserAccountByPublicID(r.Context(), event.AppUserID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	level := entitlementLevel(event.EntitlementIDs)
	if err := s.store.SetSubscriptionLevel(r.Context(), account.ID, level); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info().
		Str("account_id", account.AccountID).
		Str("event_type", event.Type).
		Int("subscription_level", level).
		Msg("billing event applied")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// entitlementLevel maps RevenueCat entitlements to a tier; no active
// entitlement means free.
func entitlementLevel(entitlementIDs []string) int {
	level := 0
	for _, id := range entitlementIDs {
		switch id {
		case "plus":
			return 2
		case "basic":
			level = 1
		}
	}
	return level
}
