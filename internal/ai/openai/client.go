package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tpaulshippy/bots/internal/ai"
)

type Config struct {
	APIKey  string
	BaseURL string
}

// Client adapts the OpenAI SDK to the Invoker capability.
type Client struct {
	api *openai.Client
}

func New(cfg Config) *Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &Client{api: openai.NewClientWithConfig(c)}
}

var _ ai.Invoker = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, model string, messages []ai.Message) (ai.Reply, error) {
	wire := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m.ImageDataURL != "" {
			wire = append(wire, openai.ChatCompletionMessage{
				Role: m.Role,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: m.Text},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: m.ImageDataURL}},
				},
			})
			continue
		}
		wire = append(wire, openai.ChatCompletionMessage{Role: m.Role, Content: m.Text})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: wire,
	})
	if err != nil {
		return ai.Reply{}, fmt.Errorf("%w: chat completion: %w", ai.ErrProvider, err)
	}
	if len(resp.Choices) == 0 {
		return ai.Reply{}, fmt.Errorf("%w: empty choices in chat completion", ai.ErrProvider)
	}

	return ai.Reply{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}
