// Package genai wraps the OpenAI chat completion API behind a minimal
// request/response contract. Availability is decided once at construction
// from the presence of credentials, never per call.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/fit4life/physiopipe/internal/models"
)

// ErrNoChoicesReturned indicates the provider returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// FinishReasonStop is the provider's clean-completion finish reason.
const FinishReasonStop = "stop"

// DefaultModel is used when no model override is configured.
const DefaultModel = openai.ChatModelGPT4

// ChatRequest is one chat-style provider call.
type ChatRequest struct {
	SystemPrompt string
	History      []models.ContextMessage
	UserMessage  string
	MaxTokens    int64
	Temperature  float64
}

// ChatResult is the provider's reply.
type ChatResult struct {
	Text         string
	FinishReason string
}

// ClientInterface defines the provider operations consumed by the response
// generator. A nil ClientInterface means the provider is unconfigured.
type ClientInterface interface {
	// Generate issues one chat completion call.
	Generate(ctx context.Context, req ChatRequest) (ChatResult, error)
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the real OpenAI client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable; absence is an error so callers
// can distinguish "unconfigured" from "failed".
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client initialized", "model", cfg.Model)
	return &Client{chat: &openaiChatService{client: cli}, model: cfg.Model}, nil
}

// Generate issues one chat completion call built from the request's system
// prompt, prior history, and current user message.
func (c *Client) Generate(ctx context.Context, req ChatRequest) (ChatResult, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.History {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		}
	}
	if req.UserMessage != "" {
		messages = append(messages, openai.UserMessage(req.UserMessage))
	}

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	slog.Debug("genai.Generate: issuing chat completion", "model", c.model, "messageCount", len(messages))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.Generate: chat completion failed", "error", err)
		return ChatResult{}, err
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.Generate: provider returned no choices")
		return ChatResult{}, ErrNoChoicesReturned
	}

	choice := resp.Choices[0]
	slog.Debug("genai.Generate: chat completion succeeded", "finishReason", choice.FinishReason, "responseLength", len(choice.Message.Content))
	return ChatResult{Text: choice.Message.Content, FinishReason: string(choice.FinishReason)}, nil
}
