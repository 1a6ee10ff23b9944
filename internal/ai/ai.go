package ai

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrProvider marks failures of the model invocation itself (network, HTTP
// status, malformed response). Callers decide whether to retry.
var ErrProvider = errors.New("ai provider error")

// Message is one turn of an ordered conversation handed to a provider.
// ImageDataURL, when set on a user turn, carries inlined image content as a
// base64 data URL.
type Message struct {
	Role         string
	Text         string
	ImageDataURL string
}

// Reply is the provider's answer plus the token usage it reported.
type Reply struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Invoker is the AI capability: given a model identifier and an ordered
// message sequence, produce a reply. Implementations must not retry on the
// caller's behalf beyond transport-level retries.
type Invoker interface {
	Invoke(ctx context.Context, model string, messages []Message) (Reply, error)
}
