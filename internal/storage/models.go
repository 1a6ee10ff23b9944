package storage

import (
	"encoding/json"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	ModalityText  = "text"
	ModalityImage = "image"
)

type UserAccount struct {
	ID                int64
	AccountID         string
	Email             string
	SubscriptionLevel int
	Timezone          string
	PIN               *int64
	CreatedAt         time.Time
	ModifiedAt        time.Time
}

type App struct {
	ID        int64
	AppID     string
	Name      string
	IsDefault bool
	CreatedAt time.Time
}

type AiModel struct {
	ID              int64
	ModelID         string
	Name            string
	InputTokenCost  float64
	OutputTokenCost float64
	IsDefault       bool
	ModalitiesJSON  string
	CreatedAt       time.Time
}

// SupportsModality reports whether the model accepts the given input kind.
// An empty or malformed modality list is treated as text-only.
func (m AiModel) SupportsModality(kind string) bool {
	if kind == ModalityText {
		return true
	}
	var modalities []string
	if err := json.Unmarshal([]byte(m.ModalitiesJSON), &modalities); err != nil {
		return false
	}
	for _, mod := range modalities {
		if mod == kind {
			return true
		}
	}
	return false
}

type Bot struct {
	ID                  int64
	BotID               string
	UserID              *int64
	AppID               int64
	AiModelID           *int64
	Name                string
	SystemPrompt        string
	ResponseLength      int
	RestrictLanguage    bool
	RestrictAdultTopics bool
	DeletedAt           *time.Time
	CreatedAt           time.Time
	ModifiedAt          time.Time
}

type Profile struct {
	ID        int64
	ProfileID string
	UserID    int64
	Name      string
	CreatedAt time.Time
}

type Chat struct {
	ID           int64
	ChatID       string
	UserID       int64
	ProfileID    *int64
	BotID        *int64
	Title        string
	InputTokens  int64
	OutputTokens int64
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

type Message struct {
	ID            int64
	MessageID     string
	ChatID        int64
	Role          string
	Ord           int
	Text          string
	InputTokens   int64
	OutputTokens  int64
	ImageFilename *string
	CreatedAt     time.Time
}

type UsageLimitHit struct {
	ID                int64
	UserAccountID     int64
	SubscriptionLevel int
	TotalInputTokens  int64
	TotalOutputTokens int64
	CreatedAt         time.Time
}

// BillingEvent is a raw webhook payload from the billing provider, kept
// verbatim for audit before any parsing happens.
type BillingEvent struct {
	ID        int64
	RawEvent  string
	CreatedAt time.Time
}

type Device struct {
	ID                 int64
	DeviceID           string
	UserID             int64
	EncPushToken       string
	NotifyOnNewChat    bool
	NotifyOnNewMessage bool
	DeletedAt          *time.Time
	CreatedAt          time.Time
}
