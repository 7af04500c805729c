package reasoning

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a senior infrastructure engineer diagnosing failed application deployments. " +
	"Respond with a single JSON object and nothing else."

// chatCompleter is the subset of the OpenAI client used here.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIReasoner sends diagnosis prompts to the OpenAI chat completions API.
type OpenAIReasoner struct {
	logger      zerolog.Logger
	client      chatCompleter
	model       string
	temperature float32
}

// NewOpenAIReasoner constructs a reasoner for the given API key and model.
func NewOpenAIReasoner(logger zerolog.Logger, apiKey, model string) *OpenAIReasoner {
	return newOpenAIReasoner(logger, openai.NewClient(apiKey), model)
}

func newOpenAIReasoner(logger zerolog.Logger, client chatCompleter, model string) *OpenAIReasoner {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIReasoner{
		logger:      logger,
		client:      client,
		model:       model,
		temperature: 0.1,
	}
}

// Diagnose implements Reasoner.
func (r *OpenAIReasoner) Diagnose(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: r.temperature,
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}

	r.logger.Debug().
		Str("model", r.model).
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("diagnosis completion received")

	return resp.Choices[0].Message.Content, nil
}
