package registry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tpaulshippy/bots/internal/ai"
	"github.com/tpaulshippy/bots/internal/ai/openai"
	"github.com/tpaulshippy/bots/internal/ai/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func Build(opts BuildOptions) (ai.Invoker, error) {
	switch opts.Kind {
	case "openai":
		return openai.New(openai.Config{
			APIKey:  opts.APIKey,
			BaseURL: opts.BaseURL,
		}), nil

	case "openai_compat", "openai-compatible":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
