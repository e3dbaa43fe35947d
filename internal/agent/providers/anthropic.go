// Package providers implements the LLM backends behind the agent.ChatProvider
// interface. Each adapter owns its transport concerns: wire-format
// translation, retries on transient failures, and normalizing provider errors
// into finish_reason="error" responses so the agent loop never sees a raw
// transport exception.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cyph3rasi/kyber/internal/agent"
	"github.com/cyph3rasi/kyber/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// unavailableMessage is what users see when a provider is down past retries.
const unavailableMessage = "The language model is unavailable right now. Please try again in a moment."

// AnthropicConfig configures an Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// Model is used for every call. Defaults to a current Sonnet model.
	Model string

	// MaxRetries bounds transient-failure retries per call. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff delay, doubled per attempt. Default 1 s.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Anthropic adapts the Claude Messages API to the agent's chat contract.
type Anthropic struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewAnthropic creates an Anthropic-backed chat provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:     anthropic.NewClient(options...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger.With("component", "provider", "provider", "anthropic"),
	}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string {
	return "anthropic"
}

// Chat sends one non-streaming Messages request and translates the response.
// Transient failures are retried with exponential backoff; an exhausted or
// permanent failure comes back as a FinishError response, never as an error.
func (p *Anthropic) Chat(ctx context.Context, messages []models.Message, tools []agent.ToolDefinition) (*agent.LLMResponse, error) {
	params, err := p.buildParams(messages, tools)
	if err != nil {
		p.logger.Error("request translation failed", "error", err)
		return errorResponse(unavailableMessage), nil
	}

	var msg *anthropic.Message
	for attempt := 0; ; attempt++ {
		msg, err = p.client.Messages.New(ctx, *params)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return errorResponse("The request was interrupted before the model answered."), nil
		}
		if !isRetryable(err) || attempt >= p.maxRetries {
			p.logger.Error("messages call failed", "attempt", attempt+1, "error", err)
			return errorResponse(unavailableMessage), nil
		}

		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		p.logger.Warn("messages call failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return errorResponse("The request was interrupted before the model answered."), nil
		case <-time.After(backoff):
		}
	}

	return translateAnthropicResponse(msg), nil
}

// buildParams translates the agent's conversation into Anthropic wire form.
// System rows become params.System; an assistant row carrying a tool call
// becomes a tool_use block; tool rows become tool_result blocks inside a user
// message.
func (p *Anthropic) buildParams(messages []models.Message, tools []agent.ToolDefinition) (*anthropic.MessageNewParams, error) {
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: defaultMaxTokens,
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
			}

		case models.RoleUser:
			if msg.Content == "" {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			if msg.ToolCallID != "" {
				var input map[string]any
				if len(msg.Content) > 0 {
					if err := json.Unmarshal([]byte(msg.Content), &input); err != nil {
						return nil, fmt.Errorf("tool call %s has invalid arguments: %w", msg.ToolCallID, err)
					}
				}
				params.Messages = append(params.Messages,
					anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(msg.ToolCallID, input, msg.ToolName)))
				continue
			}
			if msg.Content == "" {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleTool:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}

	for _, def := range tools {
		schema := anthropic.ToolInputSchemaParam{ExtraFields: def.Function.Parameters}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Function.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition %s", def.Function.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Function.Description)
		params.Tools = append(params.Tools, tool)
	}

	return params, nil
}

func translateAnthropicResponse(msg *anthropic.Message) *agent.LLMResponse {
	resp := &agent.LLMResponse{}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	resp.Content = text.String()

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = agent.FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = agent.FinishLength
	default:
		resp.FinishReason = agent.FinishStop
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = agent.FinishToolCalls
	}

	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = &agent.Usage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
		}
	}
	return resp
}

// isRetryable classifies transport failures. Rate limits, server errors, and
// network blips are retried; auth and validation failures are not.
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}

	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "too many requests", "429",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
		"internal server error", "bad gateway", "service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func errorResponse(message string) *agent.LLMResponse {
	return &agent.LLMResponse{
		Content:      message,
		FinishReason: agent.FinishError,
	}
}
