package voice

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// WhisperTranscriber transcribes audio through the OpenAI speech API.
type WhisperTranscriber struct {
	api   *openai.Client
	model string
}

func NewWhisperTranscriber(cfg Config) *WhisperTranscriber {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{api: openai.NewClientWithConfig(c), model: model}
}

var _ Transcriber = (*WhisperTranscriber)(nil)

func (t *WhisperTranscriber) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	resp, err := t.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filename, err)
	}
	return resp.Text, nil
}
