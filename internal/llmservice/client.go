package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"club-assistant/internal/config"
)

var (
	ErrNoAPIKey      = errors.New("llm api key is not configured")
	ErrEmptyResponse = errors.New("llm returned no choices")
)

// Factory hands out chat models by name.
type Factory interface {
	Model(name string) (llms.Model, error)
}

// OpenAIFactory builds OpenAI-compatible clients (DeepSeek by default).
type OpenAIFactory struct {
	cfg config.LLMConfig
}

func NewFactory(cfg config.LLMConfig) *OpenAIFactory {
	return &OpenAIFactory{cfg: cfg}
}

func (f *OpenAIFactory) Model(name string) (llms.Model, error) {
	key := strings.TrimSpace(strings.TrimPrefix(f.cfg.Key, "Bearer "))
	if key == "" {
		return nil, ErrNoAPIKey
	}
	llm, err := openai.New(
		openai.WithBaseURL(f.cfg.BaseURL),
		openai.WithToken(key),
		openai.WithModel(name),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	return llm, nil
}

// ResolveModel picks the model for a request: the requested name after alias
// normalisation, then the configured model, then deepseek-chat.
func ResolveModel(requested string, cfg config.LLMConfig) string {
	if name := NormalizeModel(requested, cfg.Aliases); name != "" {
		return name
	}
	if m := strings.TrimSpace(cfg.Model); m != "" {
		return m
	}
	return "deepseek-chat"
}

func NormalizeModel(name string, aliases map[string]string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if alias, ok := aliases[strings.ToLower(name)]; ok {
		return alias
	}
	return name
}

// GenerateContent performs one non-streaming call, binding tools when given.
func GenerateContent(ctx context.Context, llm llms.Model, tools []llms.Tool, messages []llms.MessageContent, temperature float64) (*llms.ContentChoice, error) {
	zerolog.Ctx(ctx).Debug().Int("messages", len(messages)).Int("tools", len(tools)).Msg("generating content")

	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}
	resp, err := llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, ErrEmptyResponse
	}
	return resp.Choices[0], nil
}

// Stream generates a reply and hands every non-empty chunk to onChunk as it
// arrives. It returns the concatenated text.
func Stream(ctx context.Context, llm llms.Model, messages []llms.MessageContent, temperature float64, onChunk func(string) error) (string, error) {
	var full strings.Builder
	_, err := llm.GenerateContent(ctx, messages,
		llms.WithTemperature(temperature),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			full.Write(chunk)
			return onChunk(string(chunk))
		}),
	)
	if err != nil {
		return full.String(), err
	}
	return full.String(), nil
}
