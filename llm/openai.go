package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint.
// Calls are paced client-side so a burst of agent turns cannot trip the
// provider's own rate limits.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	apiKey  string
}

// NewOpenAIProvider builds a provider from the LLM config section.
func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		apiKey:  cfg.APIKey,
	}
}

func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) Available() bool { return p.apiKey != "" }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, common.TransientError(err, "rate limiter interrupted")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, common.TransientError(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, common.NewError(common.CodeTransient, "chat completion returned no choices")
	}

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
