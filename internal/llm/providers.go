package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// AnthropicProvider is the remote-primary implementation.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider builds the remote-primary provider. model may be
// empty, in which case anthropic.ModelClaude3_5HaikuLatest is used — the
// classifier and analyse prompts are small, latency-sensitive calls.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3_5HaikuLatest
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 512
	}
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("anthropic: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return Response{Text: text}, nil
}

// OpenAIProvider is the remote-secondary implementation.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds the remote-secondary provider.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("openai: empty response")
	}
	return Response{Text: resp.Choices[0].Message.Content}, nil
}

// LocalProvider talks to a local OpenAI-compatible endpoint (e.g. Ollama's
// /v1/chat/completions shim). It is the third link in the chain, used when
// both remote providers are unavailable or disabled by config.
type LocalProvider struct {
	client *openai.Client
	model  string
}

// NewLocalProvider builds the local provider. baseURL is typically
// "http://localhost:11434/v1" for Ollama.
func NewLocalProvider(baseURL, model string) *LocalProvider {
	cfg := openai.DefaultConfig("local")
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{}
	if model == "" {
		model = "llama3.1"
	}
	return &LocalProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("local: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("local: empty response")
	}
	return Response{Text: resp.Choices[0].Message.Content}, nil
}
