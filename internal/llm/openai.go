package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nugget/reimburse-agent/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, vLLM, Together). Images are sent as data URI content parts.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client for baseURL. An empty baseURL uses
// the OpenAI default.
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute))),
		option.WithMaxRetries(1),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), logger: logger}
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content)
	case RoleAssistant:
		return openai.AssistantMessage(m.Content)
	}

	if len(m.Images) == 0 {
		return openai.UserMessage(m.Content)
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
	for _, img := range m.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: imageDataURL(img),
		}))
	}
	parts = append(parts, openai.TextContentPart(m.Content))
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: parts,
			},
		},
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    make([]openai.ChatCompletionMessageParamUnion, len(messages)),
		Temperature: openai.Float(opts.Temperature),
	}
	for i, m := range messages {
		params.Messages[i] = toOpenAIMessage(m)
	}
	if opts.Seed != 0 {
		params.Seed = openai.Int(opts.Seed)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: no choices")
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("chat completion refused: %s", choice.Message.Refusal)
	}
	c.logger.Log(ctx, LevelTrace, "openai response", "model", model, "content", choice.Message.Content)

	return &ChatResponse{
		Model:         resp.Model,
		Message:       Message{Role: RoleAssistant, Content: choice.Message.Content},
		InputTokens:   int(resp.Usage.PromptTokens),
		OutputTokens:  int(resp.Usage.CompletionTokens),
		TotalDuration: time.Since(start),
	}, nil
}

// Ping lists models to confirm the endpoint answers and the key works.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}
