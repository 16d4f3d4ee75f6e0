package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const httpTimeout = 60 * time.Second

var (
	ErrUnknownTask  = errors.New("llm: unknown task")
	ErrEmptyChoices = errors.New("llm: empty choices")
)

// Predictor runs one structured prompt round trip: inputs are rendered into
// the task's template and the JSON reply is decoded into out.
type Predictor interface {
	Predict(ctx context.Context, task string, inputs map[string]any, out any) error
}

// Client talks to any OpenAI-compatible chat-completions endpoint
// (OpenRouter by default).
type Client struct {
	api     *openai.Client
	model   string
	prompts *Prompts
	logger  *zap.Logger
}

func NewClient(apiKey, baseURL, model string, prompts *Prompts, logger *zap.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		model:   model,
		prompts: prompts,
		logger:  logger.Named("llm"),
	}
}

// Predict sends the task prompt and inputs to the model and decodes the JSON
// reply into out.
func (c *Client) Predict(ctx context.Context, task string, inputs map[string]any, out any) error {
	system, ok := c.prompts.SystemPrompt(task)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}

	if inputs == nil {
		inputs = map[string]any{}
	}
	user, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("llm: marshal inputs: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: string(user)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("llm: %s: completion failed: %w", task, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w (task %s)", ErrEmptyChoices, task)
	}

	raw := resp.Choices[0].Message.Content
	c.logger.Debug("completion",
		zap.String("task", task),
		zap.Duration("took", time.Since(start)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.String("raw", short(raw)),
	)

	if err := json.Unmarshal([]byte(extractJSON(raw)), out); err != nil {
		return fmt.Errorf("llm: %s: parse JSON content: %w", task, err)
	}
	return nil
}

// extractJSON trims markdown fences and any prose around the outermost
// object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}

func short(s string) string {
	if len(s) > 400 {
		return s[:400] + "..."
	}
	return s
}
