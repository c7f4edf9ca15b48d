package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewOpenAI builds the production chat model. The API key is read from
// OPENAI_API_KEY unless provided.
func NewOpenAI(model, apiKey string) (llms.Model, error) {
	opts := []openai.Option{}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}

	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return m, nil
}
