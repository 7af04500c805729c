package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	resp openai.ChatCompletionResponse
	err  error
	reqs []openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func TestOpenAIReasoner_ReturnsFirstChoice(t *testing.T) {
	fake := &fakeCompleter{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: `{"rootCause":"lock"}`}},
		},
	}}
	r := newOpenAIReasoner(zerolog.Nop(), fake, "")

	out, err := r.Diagnose(context.Background(), "why did it fail?")
	require.NoError(t, err)
	assert.Equal(t, `{"rootCause":"lock"}`, out)

	require.Len(t, fake.reqs, 1)
	assert.Equal(t, openai.GPT4oMini, fake.reqs[0].Model)
	require.Len(t, fake.reqs[0].Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, fake.reqs[0].Messages[0].Role)
	assert.Equal(t, "why did it fail?", fake.reqs[0].Messages[1].Content)
}

func TestOpenAIReasoner_EmptyChoices(t *testing.T) {
	r := newOpenAIReasoner(zerolog.Nop(), &fakeCompleter{}, "gpt-4o")

	_, err := r.Diagnose(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIReasoner_WrapsClientError(t *testing.T) {
	boom := errors.New("429 too many requests")
	r := newOpenAIReasoner(zerolog.Nop(), &fakeCompleter{err: boom}, "gpt-4o")

	_, err := r.Diagnose(context.Background(), "prompt")
	assert.ErrorIs(t, err, boom)
}

func TestStatic_RecordsPrompts(t *testing.T) {
	s := &Static{Response: "ok"}
	out, err := s.Diagnose(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"p1"}, s.Prompts)
}
