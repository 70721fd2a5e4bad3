package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig is decoded from OPENAI_* variables. BaseURL may point at any
// OpenAI-compatible endpoint such as OpenRouter.
type OpenAIConfig struct {
	BaseURL     string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.openai.com/v1"`
	APIKey      string        `envconfig:"API_KEY" split_words:"true"`
	Model       string        `envconfig:"MODEL" split_words:"true" default:"gpt-4o-mini"`
	Temperature float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.4"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
}

// OpenAI is a Generator backed by chat completions.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
}

// NewOpenAI builds a generator. Requests are never retried automatically.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Complete implements Generator.
func (g *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, t := range req.History {
		switch t.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.Input))

	temp := g.temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.model),
		Messages:    msgs,
		Temperature: openai.Float(temp),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
